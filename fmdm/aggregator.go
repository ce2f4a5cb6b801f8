package fmdm

import (
	"os"
	"sort"
	"sync"
	"time"
)

// FolderSource is the aggregator's view of one folder orchestrator. The
// update callback always carries a complete FolderConfig value so the
// aggregator never has to call back into the orchestrator while it holds
// its own lock.
type FolderSource interface {
	FolderPath() string
	Current() FolderConfig
	OnStateChange(func(FolderConfig)) func()
	OnProgressUpdate(func(FolderConfig)) func()
}

type snapshotListener struct {
	id int
	fn func(FMDM)
}

// Aggregator combines every folder's state plus daemon, connection and
// model metadata into one FMDM. On any input change it rebuilds the whole
// snapshot and bumps the version; it never patches a published value.
type Aggregator struct {
	mu        sync.Mutex
	version   uint64
	startedAt time.Time
	pid       int

	order   []string                // folder paths in registration order
	folders map[string]FolderConfig // latest value per folder
	unsubs  map[string][]func()

	connections Connections
	curated     []CuratedModel
	modelCheck  *ModelCheckStatus

	current   FMDM
	listeners []snapshotListener
	nextID    int
}

// NewAggregator builds an aggregator with the given curated model
// catalog. The first snapshot has version 1.
func NewAggregator(curated []CuratedModel) *Aggregator {
	a := &Aggregator{
		startedAt: time.Now(),
		pid:       os.Getpid(),
		folders:   make(map[string]FolderConfig),
		unsubs:    make(map[string][]func()),
		curated:   curated,
	}
	a.mu.Lock()
	a.rebuildLocked()
	a.mu.Unlock()
	return a
}

// AddFolder registers a source and subscribes to its updates. The
// snapshot is rebuilt immediately with the source's current value.
func (a *Aggregator) AddFolder(src FolderSource) {
	path := src.FolderPath()
	onUpdate := func(cfg FolderConfig) {
		a.mu.Lock()
		if _, ok := a.folders[cfg.Path]; !ok {
			// Removed while an update was in flight.
			a.mu.Unlock()
			return
		}
		a.folders[cfg.Path] = cfg
		a.rebuildLocked()
		a.mu.Unlock()
	}

	a.mu.Lock()
	if _, ok := a.folders[path]; ok {
		a.mu.Unlock()
		return
	}
	a.order = append(a.order, path)
	a.folders[path] = src.Current()
	a.unsubs[path] = []func(){
		src.OnStateChange(onUpdate),
		src.OnProgressUpdate(onUpdate),
	}
	a.rebuildLocked()
	a.mu.Unlock()
}

// RemoveFolder detaches the source for path and drops it from the next
// snapshot. Unknown paths are a no-op.
func (a *Aggregator) RemoveFolder(path string) {
	a.mu.Lock()
	if _, ok := a.folders[path]; !ok {
		a.mu.Unlock()
		return
	}
	for _, unsub := range a.unsubs[path] {
		unsub()
	}
	delete(a.unsubs, path)
	delete(a.folders, path)
	for i, p := range a.order {
		if p == path {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	a.rebuildLocked()
	a.mu.Unlock()
}

// SetConnections records the live client set (fed by the broadcaster).
func (a *Aggregator) SetConnections(conns Connections) {
	a.mu.Lock()
	a.connections = conns
	a.rebuildLocked()
	a.mu.Unlock()
}

// SetModelCheck records the result of a model availability probe. A
// failed probe never blocks snapshot production; it surfaces in
// ModelCheck.Error.
func (a *Aggregator) SetModelCheck(status ModelCheckStatus) {
	a.mu.Lock()
	a.modelCheck = &status
	a.rebuildLocked()
	a.mu.Unlock()
}

// Current returns the latest snapshot.
func (a *Aggregator) Current() FMDM {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// OnSnapshot registers a listener invoked synchronously with every newly
// built snapshot. The returned func unsubscribes; other listeners are
// unaffected. Listeners must not call back into the aggregator.
func (a *Aggregator) OnSnapshot(fn func(FMDM)) func() {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.listeners = append(a.listeners, snapshotListener{id: id, fn: fn})
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		for i, l := range a.listeners {
			if l.id == id {
				a.listeners = append(a.listeners[:i], a.listeners[i+1:]...)
				break
			}
		}
		a.mu.Unlock()
	}
}

// rebuildLocked constructs a fresh FMDM from the cached inputs and
// notifies listeners. Callers must hold a.mu.
func (a *Aggregator) rebuildLocked() {
	a.version++

	folders := make([]FolderConfig, 0, len(a.order))
	for _, path := range a.order {
		folders = append(folders, a.folders[path])
	}

	clients := make([]ClientInfo, len(a.connections.Clients))
	copy(clients, a.connections.Clients)
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].ConnectedAt.Before(clients[j].ConnectedAt)
	})

	a.current = FMDM{
		Version:   a.version,
		Timestamp: time.Now().UTC(),
		Folders:   folders,
		Daemon: DaemonInfo{
			PID:           a.pid,
			UptimeSeconds: int64(time.Since(a.startedAt).Seconds()),
		},
		Connections: Connections{
			Count:   a.connections.Count,
			Clients: clients,
		},
		CuratedModels: a.curated,
		ModelCheck:    a.modelCheck,
	}

	for _, l := range a.listeners {
		l.fn(a.current)
	}
}
