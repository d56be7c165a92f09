package container

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// Registry is the durable id -> Container mapping. All of it is held
// in memory and flushed to a single JSON file on every mutation; the
// flush is atomic (write to <file>.tmp, rename over <file>) so a crash
// at any point leaves either the old or the new map, never a torn one.
//
// The registry itself is not safe for concurrent use; the manager's
// mutex serializes access within the process, and an advisory flock on
// <file>.lock keeps concurrent runtime invocations apart.
type Registry struct {
	Log *logrus.Entry

	file       string
	fileLock   *flock.Flock
	containers map[string]*Container
}

// NewRegistry loads the registry from file. A missing file starts an
// empty registry; a malformed one is logged and also starts empty, so
// the runtime always comes up and the operator can repair or remove
// the file.
func NewRegistry(log *logrus.Entry, file string) *Registry {
	r := &Registry{
		Log:        log,
		file:       file,
		fileLock:   flock.New(file + ".lock"),
		containers: map[string]*Container{},
	}
	r.load()
	return r
}

func (r *Registry) load() {
	if err := r.lockFile(); err != nil {
		r.Log.WithError(err).Warn("could not lock registry file, loading anyway")
	} else {
		defer r.unlockFile()
	}

	data, err := os.ReadFile(r.file)
	if err != nil {
		if !os.IsNotExist(err) {
			r.Log.WithError(err).Error("could not read registry file, starting empty")
		}
		return
	}

	loaded := map[string]*Container{}
	if err := json.Unmarshal(data, &loaded); err != nil {
		r.Log.WithError(err).WithField("file", r.file).Error("malformed registry file, starting empty")
		return
	}

	r.containers = loaded
	r.Log.WithField("count", len(loaded)).Info("registry loaded")
}

// Save inserts or replaces a container and persists the registry.
func (r *Registry) Save(c *Container) error {
	r.containers[c.ID] = c
	return r.persist()
}

// Get returns the container with the given id.
func (r *Registry) Get(id string) (*Container, bool) {
	c, ok := r.containers[id]
	return c, ok
}

// GetAll returns the containers, optionally filtered by state, in
// creation-time order.
func (r *Registry) GetAll(filter *State) []*Container {
	all := lo.Values(r.containers)
	if filter != nil {
		all = lo.Filter(all, func(c *Container, _ int) bool {
			return c.State == *filter
		})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	return all
}

// UpdateOpt mutates a container as part of an UpdateState call.
type UpdateOpt func(*Container)

// WithProcessID records the host pid of the container's init.
func WithProcessID(pid int) UpdateOpt {
	return func(c *Container) { c.ProcessID = pid }
}

// WithExitCode records the container's exit code.
func WithExitCode(code int) UpdateOpt {
	return func(c *Container) { c.ExitCode = &code }
}

// WithStartedAt records when the container started running.
func WithStartedAt(t time.Time) UpdateOpt {
	return func(c *Container) { c.StartedAt = &t }
}

// WithExitedAt records when the container exited.
func WithExitedAt(t time.Time) UpdateOpt {
	return func(c *Container) { c.ExitedAt = &t }
}

// UpdateState atomically applies a state change plus any field updates
// and persists. It reports whether the id existed.
func (r *Registry) UpdateState(id string, newState State, opts ...UpdateOpt) (bool, error) {
	c, ok := r.containers[id]
	if !ok {
		return false, nil
	}

	c.State = newState
	for _, opt := range opts {
		opt(c)
	}
	return true, r.persist()
}

// Remove deletes a container and persists. It reports whether the id
// existed.
func (r *Registry) Remove(id string) (bool, error) {
	if _, ok := r.containers[id]; !ok {
		return false, nil
	}
	delete(r.containers, id)
	return true, r.persist()
}

func (r *Registry) persist() error {
	if err := r.lockFile(); err != nil {
		r.Log.WithError(err).Warn("could not lock registry file, saving anyway")
	} else {
		defer r.unlockFile()
	}

	if err := os.MkdirAll(filepath.Dir(r.file), 0o755); err != nil {
		return NewError(Persistence, "creating registry directory: %v", err)
	}

	data, err := json.MarshalIndent(r.containers, "", "  ")
	if err != nil {
		return NewError(Persistence, "serializing registry: %v", err)
	}

	tmp := r.file + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return NewError(Persistence, "writing %s: %v", tmp, err)
	}
	if err := os.Rename(tmp, r.file); err != nil {
		return NewError(Persistence, "renaming %s into place: %v", tmp, err)
	}
	return nil
}

func (r *Registry) lockFile() error {
	if err := os.MkdirAll(filepath.Dir(r.file), 0o755); err != nil {
		return err
	}
	return r.fileLock.Lock()
}

func (r *Registry) unlockFile() {
	if err := r.fileLock.Unlock(); err != nil {
		r.Log.WithError(err).Warn("could not unlock registry file")
	}
}
