package adapters

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/agenr/agenr/pkg/faults"
)

// entry is one loaded adapter keyed by the row that produced it. The source
// hash lets Sync skip recompiling unchanged rows.
type entry struct {
	record     *Record
	adapter    Adapter
	sourceHash string
}

// Registry resolves platforms to live adapter instances. Public adapters are
// shared; sandbox and review adapters are visible only to their owner.
type Registry struct {
	mu     sync.RWMutex
	public map[string]*entry
	scoped map[string]*entry

	store *Store
	env   Env
	log   *slog.Logger
}

func NewRegistry(store *Store, env Env) *Registry {
	return &Registry{
		public: make(map[string]*entry),
		scoped: make(map[string]*entry),
		store:  store,
		env:    env,
		log:    slog.Default().With("component", "registry"),
	}
}

func scopedKey(platform, ownerID string) string {
	return platform + "|" + ownerID
}

// Resolve returns the adapter for a platform. The caller's own sandbox or
// review copy shadows the public one.
func (r *Registry) Resolve(platform, ownerID string) (Adapter, error) {
	platform = NormalizePlatform(platform)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.scoped[scopedKey(platform, ownerID)]; ok {
		return e.adapter, nil
	}
	if e, ok := r.public[platform]; ok {
		return e.adapter, nil
	}
	return nil, faults.NotFound("no adapter for platform %s", platform)
}

// Platforms lists the publicly available platforms.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.public))
	for platform := range r.public {
		out = append(out, platform)
	}
	return out
}

// Sync reloads the registry from the database. Rows whose source hash has
// not changed keep their compiled instance. A row that fails to compile is
// skipped and logged; it never takes the rest of the registry down.
func (r *Registry) Sync(ctx context.Context) error {
	records, err := r.store.Active(ctx)
	if err != nil {
		return err
	}

	public := make(map[string]*entry)
	scoped := make(map[string]*entry)

	r.mu.RLock()
	oldPublic, oldScoped := r.public, r.scoped
	r.mu.RUnlock()

	for _, record := range records {
		var prev *entry
		if record.Status == StatusPublic {
			prev = oldPublic[record.Platform]
		} else {
			prev = oldScoped[scopedKey(record.Platform, record.OwnerID)]
		}

		e := prev
		if e == nil || e.sourceHash != record.SourceHash {
			e, err = r.load(record)
			if err != nil {
				r.log.Warn("skipping adapter that failed to load",
					"platform", record.Platform, "owner", record.OwnerID, "error", err)
				continue
			}
		} else {
			e.record = record
		}

		if record.Status == StatusPublic {
			public[record.Platform] = e
		} else {
			scoped[scopedKey(record.Platform, record.OwnerID)] = e
		}
	}

	r.mu.Lock()
	r.public = public
	r.scoped = scoped
	r.mu.Unlock()
	return nil
}

func (r *Registry) load(record *Record) (*entry, error) {
	spec, err := ParseSpec([]byte(record.SourceCode))
	if err != nil {
		return nil, err
	}
	adapter, err := Compile(spec)(r.env)
	if err != nil {
		return nil, err
	}
	return &entry{record: record, adapter: adapter, sourceHash: record.SourceHash}, nil
}

// Restore rewrites missing adapter files from the database copy. Only paths
// inside the configured roots are touched.
func (r *Registry) Restore(ctx context.Context) error {
	records, err := r.store.Active(ctx)
	if err != nil {
		return err
	}

	for _, record := range records {
		if record.FilePath == "" || record.SourceCode == "" {
			continue
		}
		if !r.store.insideRoots(record.FilePath) {
			r.log.Warn("adapter file path outside configured roots", "platform", record.Platform, "path", record.FilePath)
			continue
		}
		if _, err := os.Stat(record.FilePath); err == nil {
			continue
		}
		if err := r.store.writeFile(record.FilePath, []byte(record.SourceCode)); err != nil {
			r.log.Warn("restore adapter file", "platform", record.Platform, "error", err)
			continue
		}
		r.log.Info("restored adapter file", "platform", record.Platform, "path", record.FilePath)
	}
	return nil
}
