package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/deploysync/internal/records"
)

// ChangeNotice announces a committed change touching one deployment. Device writes carry an
// empty DeploymentID and reach only wildcard subscribers.
type ChangeNotice struct {
	DeploymentID string
	Collections  []records.Collection
	CommittedAt  time.Time
}

const wildcardTopic = ""

type dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan ChangeNotice
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe returns a stream of notices for the deployment, or for every deployment when
// deploymentID is empty. The stream stays open until ctx is cancelled or cancel is called.
func (s *Store) Subscribe(ctx context.Context, deploymentID string) (<-chan ChangeNotice, func()) {
	return s.notices.subscribe(ctx, deploymentID)
}

func (d *dispatcher) subscribe(ctx context.Context, topic string) (<-chan ChangeNotice, func()) {
	entry := &subscriber{
		stream: make(chan ChangeNotice, d.bufferSize),
	}
	d.mu.Lock()
	d.nextID++
	entry.id = d.nextID
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*subscriber)
	}
	d.subscribers[topic][entry.id] = entry
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unsubscribe(topic, entry.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return entry.stream, cleanup
}

// publish delivers without blocking. A subscriber whose buffer is full already has a
// notice pending and re-reads the store when it drains it.
func (d *dispatcher) publish(notice ChangeNotice) {
	d.mu.RLock()
	targets := make([]*subscriber, 0)
	for _, entry := range d.subscribers[notice.DeploymentID] {
		targets = append(targets, entry)
	}
	if notice.DeploymentID != wildcardTopic {
		for _, entry := range d.subscribers[wildcardTopic] {
			targets = append(targets, entry)
		}
	}
	for _, entry := range targets {
		select {
		case entry.stream <- notice:
		default:
		}
	}
	d.mu.RUnlock()
}

func (d *dispatcher) unsubscribe(topic string, id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.subscribers[topic]
	if entries == nil {
		return
	}
	entry, ok := entries[id]
	if !ok {
		return
	}
	delete(entries, id)
	close(entry.stream)
	if len(entries) == 0 {
		delete(d.subscribers, topic)
	}
}

// changeSet accumulates the collections touched per deployment inside a transaction.
type changeSet struct {
	touched map[string]map[records.Collection]struct{}
}

func newChangeSet() *changeSet {
	return &changeSet{touched: make(map[string]map[records.Collection]struct{})}
}

func (c *changeSet) add(collection records.Collection, deploymentID string) {
	collections, ok := c.touched[deploymentID]
	if !ok {
		collections = make(map[records.Collection]struct{})
		c.touched[deploymentID] = collections
	}
	collections[collection] = struct{}{}
}

func (c *changeSet) notices(committedAt time.Time) []ChangeNotice {
	notices := make([]ChangeNotice, 0, len(c.touched))
	for deploymentID, collections := range c.touched {
		names := make([]records.Collection, 0, len(collections))
		for collection := range collections {
			names = append(names, collection)
		}
		sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
		notices = append(notices, ChangeNotice{
			DeploymentID: deploymentID,
			Collections:  names,
			CommittedAt:  committedAt,
		})
	}
	sort.Slice(notices, func(i, j int) bool { return notices[i].DeploymentID < notices[j].DeploymentID })
	return notices
}
