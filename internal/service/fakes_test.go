package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/backup-keeper/internal/errs"
	"github.com/and161185/backup-keeper/internal/events"
	"github.com/and161185/backup-keeper/internal/limiter"
	"github.com/and161185/backup-keeper/internal/model"
	"github.com/and161185/backup-keeper/internal/repository"
)

type fakeServers struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*model.Server

	createErr error
	getErr    error
}

var _ repository.ServerRepository = (*fakeServers)(nil)

func newFakeServers(list ...model.Server) *fakeServers {
	f := &fakeServers{byID: map[uuid.UUID]*model.Server{}}
	for i := range list {
		s := list[i]
		f.byID[s.ID] = &s
	}
	return f
}

func (f *fakeServers) Create(_ context.Context, s *model.Server) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	for _, x := range f.byID {
		if x.Name == s.Name || x.KeyPrefix == s.KeyPrefix {
			return errs.ErrAlreadyExists
		}
	}
	c := *s
	f.byID[s.ID] = &c
	return nil
}

func (f *fakeServers) GetByID(_ context.Context, id uuid.UUID) (*model.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	s, ok := f.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *s
	return &c, nil
}

func (f *fakeServers) GetByKeyPrefix(_ context.Context, prefix string) (*model.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	for _, s := range f.byID {
		if s.KeyPrefix == prefix {
			c := *s
			return &c, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (f *fakeServers) List(context.Context) ([]model.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Server, 0, len(f.byID))
	for _, s := range f.byID {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type fakeArtifacts struct {
	mu           sync.Mutex
	reservations map[string]uuid.UUID
	byID         map[uuid.UUID]*model.Artifact
	servers      *fakeServers

	createErr  error
	lastFilter model.ArtifactFilter
}

var _ repository.ArtifactRepository = (*fakeArtifacts)(nil)

func newFakeArtifacts(servers *fakeServers) *fakeArtifacts {
	return &fakeArtifacts{
		reservations: map[string]uuid.UUID{},
		byID:         map[uuid.UUID]*model.Artifact{},
		servers:      servers,
	}
}

func (f *fakeArtifacts) ReserveAddress(_ context.Context, address string, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, taken := f.reservations[address]; taken {
		return errs.ErrAddressCollision
	}
	f.reservations[address] = id
	return nil
}

func (f *fakeArtifacts) ReleaseAddress(_ context.Context, address string, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, recorded := f.byID[id]; recorded {
		return nil
	}
	if f.reservations[address] == id {
		delete(f.reservations, address)
	}
	return nil
}

func (f *fakeArtifacts) Create(_ context.Context, a *model.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	a.CreatedAt = time.Now().UTC()
	c := *a
	f.byID[a.ID] = &c
	return nil
}

func (f *fakeArtifacts) GetByID(_ context.Context, id uuid.UUID) (*model.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (f *fakeArtifacts) List(ctx context.Context, flt model.ArtifactFilter) ([]model.ArtifactView, error) {
	f.mu.Lock()
	f.lastFilter = flt
	all := make([]model.Artifact, 0, len(f.byID))
	for _, a := range f.byID {
		all = append(all, *a)
	}
	f.mu.Unlock()

	var out []model.ArtifactView
	for _, a := range all {
		srv, err := f.servers.GetByID(ctx, a.ServerID)
		if err != nil || srv.GroupID != flt.GroupID {
			continue
		}
		if flt.DBName != "" && a.DBName != flt.DBName {
			continue
		}
		out = append(out, model.ArtifactView{Artifact: a, ServerName: srv.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BackupCompletedAt.After(out[j].BackupCompletedAt) })
	if len(out) > flt.Limit {
		out = out[:flt.Limit]
	}
	return out, nil
}

func (f *fakeArtifacts) Stats(ctx context.Context, groupID int64) (model.StorageStats, error) {
	views, _ := f.List(ctx, model.ArtifactFilter{GroupID: groupID, Limit: 1 << 30})
	var st model.StorageStats
	for _, v := range views {
		if v.Status == model.StatusFailed {
			st.FailedCount++
			continue
		}
		st.ArtifactCount++
		st.TotalBytes += v.SizeBytes
	}
	return st, nil
}

func (f *fakeArtifacts) reserved(address string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.reservations[address]
	return ok
}

func (f *fakeArtifacts) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byID)
}

type fakeLimiter struct {
	allowOK  bool
	allowErr error

	failBlocked bool
	failErr     error

	allowCalls   int
	failureCalls int
	successCalls int
	subjects     []string
}

var _ limiter.Limiter = (*fakeLimiter)(nil)

func (l *fakeLimiter) Allow(_ context.Context, subject string, _ []byte) (bool, time.Duration, error) {
	l.allowCalls++
	l.subjects = append(l.subjects, subject)
	return l.allowOK, 0, l.allowErr
}

func (l *fakeLimiter) Success(context.Context, string, []byte) error {
	l.successCalls++
	return nil
}

func (l *fakeLimiter) Failure(context.Context, string, []byte) (bool, time.Duration, error) {
	l.failureCalls++
	return l.failBlocked, 0, l.failErr
}

type recordedEvent struct {
	subject string
	payload any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []recordedEvent
	err    error
}

var _ events.Publisher = (*fakePublisher)(nil)

func (p *fakePublisher) Publish(_ context.Context, subject string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{subject: subject, payload: v})
	return p.err
}

func (p *fakePublisher) subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.subject)
	}
	return out
}
