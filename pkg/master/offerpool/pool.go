package offerpool

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"
	"k8s.io/utils/clock"

	"github.com/capstan-io/capstan/pkg/api"
)

var (
	// ErrOfferNotFound is returned when a claimed offer is not
	// outstanding; it may have been consumed, expired or rescinded.
	ErrOfferNotFound = errors.New("offer not outstanding")
	// ErrNotOfferOwner is returned when a framework claims an offer it
	// does not own. The offer stays outstanding for its owner.
	ErrNotOfferOwner = errors.New("offer owned by another framework")
)

// Pool tracks every outstanding offer until it is consumed by accept,
// decline or rescission. It is only bookkeeping: resource accounting lives
// in the allocator, which created the offers.
type Pool interface {
	// Add tracks newly issued offers.
	Add(offers []*api.Offer)

	// Claim consumes an offer for accept or decline on behalf of its
	// owner. A second claim of the same ID fails with ErrOfferNotFound; a
	// claim by a framework that does not own the offer fails with
	// ErrNotOfferOwner and leaves the offer outstanding.
	Claim(
		offerID api.OfferID,
		frameworkID api.FrameworkID) (*api.Offer, error)

	// RemoveExpired consumes and returns offers older than the hold time.
	// Expired offers are treated as declined by the caller.
	RemoveExpired() []*api.Offer

	// RescindFramework consumes and returns all outstanding offers for a
	// framework.
	RescindFramework(frameworkID api.FrameworkID) []*api.Offer

	// RescindAgent consumes and returns all outstanding offers on an agent.
	RescindAgent(agentID api.AgentID) []*api.Offer

	// RescindAll consumes and returns every outstanding offer.
	RescindAll() []*api.Offer

	// Size returns the number of outstanding offers.
	Size() int
}

// timedOffer is an outstanding offer and its expiration.
type timedOffer struct {
	offer      *api.Offer
	expiration time.Time
}

type pool struct {
	sync.Mutex

	clock         clock.PassiveClock
	offerHoldTime time.Duration

	// offers -- key: offerID, value: offer with expiration
	offers map[api.OfferID]*timedOffer
	// byFramework -- key: frameworkID, value: set of offerIDs
	byFramework map[api.FrameworkID]map[api.OfferID]struct{}

	metrics *Metrics
}

// New creates an offer Pool. Offers not consumed within offerHoldTime are
// returned by RemoveExpired.
func New(
	offerHoldTime time.Duration,
	parent tally.Scope,
	c clock.PassiveClock) Pool {

	return &pool{
		clock:         c,
		offerHoldTime: offerHoldTime,
		offers:        make(map[api.OfferID]*timedOffer),
		byFramework:   make(map[api.FrameworkID]map[api.OfferID]struct{}),
		metrics:       NewMetrics(parent.SubScope("offerpool")),
	}
}

func (p *pool) Add(offers []*api.Offer) {
	p.Lock()
	defer p.Unlock()

	expiration := p.clock.Now().Add(p.offerHoldTime)
	for _, offer := range offers {
		if _, ok := p.offers[offer.ID]; ok {
			// Offer IDs are unique per issuance; a duplicate means the
			// allocator reissued an ID, which corrupts accounting.
			log.WithField("offer_id", offer.ID).
				Fatal("Duplicate offer ID issued")
		}
		p.offers[offer.ID] = &timedOffer{
			offer:      offer,
			expiration: expiration,
		}
		ids, ok := p.byFramework[offer.FrameworkID]
		if !ok {
			ids = make(map[api.OfferID]struct{})
			p.byFramework[offer.FrameworkID] = ids
		}
		ids[offer.ID] = struct{}{}
	}
	p.metrics.Outstanding.Update(float64(len(p.offers)))
}

func (p *pool) Claim(
	offerID api.OfferID,
	frameworkID api.FrameworkID) (*api.Offer, error) {

	p.Lock()
	defer p.Unlock()

	to, ok := p.offers[offerID]
	if !ok {
		log.WithField("offer_id", offerID).
			Debug("Offer not outstanding, may be expired or rescinded")
		return nil, ErrOfferNotFound
	}
	if to.offer.FrameworkID != frameworkID {
		log.WithFields(log.Fields{
			"offer_id":     offerID,
			"owner":        to.offer.FrameworkID,
			"framework_id": frameworkID,
		}).Warn("Offer claimed by a framework that does not own it")
		return nil, ErrNotOfferOwner
	}
	p.remove(offerID, frameworkID)
	return to.offer, nil
}

func (p *pool) RemoveExpired() []*api.Offer {
	p.Lock()
	defer p.Unlock()

	now := p.clock.Now()
	var expired []*api.Offer
	for offerID, to := range p.offers {
		if now.After(to.expiration) {
			log.WithField("offer_id", offerID).
				Debug("Removing expired offer from pool")
			expired = append(expired, to.offer)
			p.remove(offerID, to.offer.FrameworkID)
		}
	}
	if len(expired) > 0 {
		p.metrics.Expired.Inc(int64(len(expired)))
	}
	return expired
}

func (p *pool) RescindFramework(frameworkID api.FrameworkID) []*api.Offer {
	p.Lock()
	defer p.Unlock()

	var rescinded []*api.Offer
	for offerID := range p.byFramework[frameworkID] {
		rescinded = append(rescinded, p.offers[offerID].offer)
		p.remove(offerID, frameworkID)
	}
	if len(rescinded) > 0 {
		p.metrics.Rescinded.Inc(int64(len(rescinded)))
	}
	return rescinded
}

func (p *pool) RescindAgent(agentID api.AgentID) []*api.Offer {
	p.Lock()
	defer p.Unlock()

	var rescinded []*api.Offer
	for offerID, to := range p.offers {
		if to.offer.AgentID == agentID {
			rescinded = append(rescinded, to.offer)
			p.remove(offerID, to.offer.FrameworkID)
		}
	}
	if len(rescinded) > 0 {
		p.metrics.Rescinded.Inc(int64(len(rescinded)))
	}
	return rescinded
}

func (p *pool) RescindAll() []*api.Offer {
	p.Lock()
	defer p.Unlock()

	var rescinded []*api.Offer
	for offerID, to := range p.offers {
		rescinded = append(rescinded, to.offer)
		p.remove(offerID, to.offer.FrameworkID)
	}
	if len(rescinded) > 0 {
		p.metrics.Rescinded.Inc(int64(len(rescinded)))
	}
	return rescinded
}

func (p *pool) Size() int {
	p.Lock()
	defer p.Unlock()
	return len(p.offers)
}

// remove drops one offer from both indexes. Caller holds the lock.
func (p *pool) remove(offerID api.OfferID, frameworkID api.FrameworkID) {
	delete(p.offers, offerID)
	if ids, ok := p.byFramework[frameworkID]; ok {
		delete(ids, offerID)
		if len(ids) == 0 {
			delete(p.byFramework, frameworkID)
		}
	}
	p.metrics.Outstanding.Update(float64(len(p.offers)))
}
