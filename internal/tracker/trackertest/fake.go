// Package trackertest provides an in-memory tracker.Tracker for tests.
package trackertest

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/issuebridge/issuebridge/internal/tracker"
	"github.com/issuebridge/issuebridge/internal/types"
)

// Operation names used by FailNext and Calls.
const (
	OpCreate   = "create"
	OpUpdate   = "update"
	OpClose    = "close"
	OpProgress = "progress"
)

// Progress labels used by the fake.
const (
	progressPrefix = "progress::"

	LabelToDo  = "progress::To do"
	LabelDoing = "progress::Doing"
	LabelDone  = "progress::Done"
)

var urlPattern = regexp.MustCompile(`/-/issues/(\d+)`)

// Issue is the fake's view of a remote issue.
type Issue struct {
	ID          int64
	Key         types.NaturalKey
	Title       string
	Description string
	Status      types.Status
	Closed      bool
	Labels      []string
	Writes      int
}

// Fake is a concurrency-safe in-memory tracker.
type Fake struct {
	mu      sync.Mutex
	issues  map[int64]*Issue
	byKey   map[types.NaturalKey]int64
	nextID  int64
	calls   map[string]int
	failing map[string][]error
	hook    func(op string, remoteID int64)
}

var _ tracker.Tracker = (*Fake)(nil)

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		issues:  make(map[int64]*Issue),
		byKey:   make(map[types.NaturalKey]int64),
		nextID:  1,
		calls:   make(map[string]int),
		failing: make(map[string][]error),
	}
}

func (f *Fake) Name() string { return "fake" }

// FailNext makes the next len(errs) calls of op return errs in order.
func (f *Fake) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[op] = append(f.failing[op], errs...)
}

// OnCall registers a hook run at the start of every call, outside the lock.
func (f *Fake) OnCall(hook func(op string, remoteID int64)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = hook
}

// Calls returns how many times op was invoked, failures included.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Issue returns a copy of a remote issue.
func (f *Fake) Issue(id int64) (Issue, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	is, ok := f.issues[id]
	if !ok {
		return Issue{}, false
	}
	cp := *is
	cp.Labels = append([]string(nil), is.Labels...)
	return cp, true
}

// SetNextID sets the id the next created issue receives.
func (f *Fake) SetNextID(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID = id
}

// Len returns the number of remote issues.
func (f *Fake) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.issues)
}

// SetProgress replaces the progress label of an issue, as a remote user would.
func (f *Fake) SetProgress(id int64, label string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if is, ok := f.issues[id]; ok {
		is.Labels = append(withoutProgress(is.Labels), label)
		sort.Strings(is.Labels)
	}
}

// CloseRemotely closes an issue without going through CloseIssue.
func (f *Fake) CloseRemotely(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if is, ok := f.issues[id]; ok {
		is.Closed = true
	}
}

// URL returns the web URL of an issue id.
func URL(id int64) string {
	return fmt.Sprintf("https://tracker.example/group/project/-/issues/%d", id)
}

func (f *Fake) begin(op string, remoteID int64) error {
	f.mu.Lock()
	f.calls[op]++
	hook := f.hook
	var err error
	if q := f.failing[op]; len(q) > 0 {
		err = q[0]
		f.failing[op] = q[1:]
	}
	f.mu.Unlock()
	if hook != nil {
		hook(op, remoteID)
	}
	return err
}

func (f *Fake) CreateIssue(ctx context.Context, rec *types.Record) (*tracker.RemoteRef, error) {
	if err := f.begin(OpCreate, 0); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, tracker.Unavailable("create issue", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if id, ok := f.byKey[rec.Key()]; ok {
		is := f.issues[id]
		return &tracker.RemoteRef{ID: id, URL: URL(id), Labels: append([]string(nil), is.Labels...)}, nil
	}
	id := f.nextID
	f.nextID++
	is := &Issue{
		ID:          id,
		Key:         rec.Key(),
		Title:       rec.ProjectName + ": " + rec.Description,
		Description: rec.Description,
		Status:      rec.Status,
		Labels:      []string{LabelToDo},
		Writes:      1,
	}
	f.issues[id] = is
	f.byKey[rec.Key()] = id
	return &tracker.RemoteRef{ID: id, URL: URL(id), Labels: append([]string(nil), is.Labels...)}, nil
}

func (f *Fake) UpdateIssue(ctx context.Context, remoteID int64, rec *types.Record) (*tracker.RemoteRef, error) {
	if err := f.begin(OpUpdate, remoteID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	is, ok := f.issues[remoteID]
	if !ok {
		return nil, tracker.Rejected(fmt.Sprintf("update issue %d", remoteID), 404, "not found")
	}
	ref := &tracker.RemoteRef{ID: remoteID, URL: URL(remoteID)}
	if is.Closed && rec.Status.IsClosing() {
		ref.Labels = append([]string(nil), is.Labels...)
		return ref, nil
	}
	title := rec.ProjectName + ": " + rec.Description
	if !is.Closed && is.Title == title && is.Description == rec.Description && is.Status == rec.Status {
		ref.Labels = append([]string(nil), is.Labels...)
		return ref, nil
	}
	is.Title = title
	is.Description = rec.Description
	is.Status = rec.Status
	is.Closed = false
	is.Writes++
	ref.Labels = append([]string(nil), is.Labels...)
	return ref, nil
}

func (f *Fake) CloseIssue(ctx context.Context, remoteID int64, rec *types.Record) (*tracker.RemoteRef, error) {
	if err := f.begin(OpClose, remoteID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	is, ok := f.issues[remoteID]
	if !ok {
		return nil, tracker.Rejected(fmt.Sprintf("close issue %d", remoteID), 404, "not found")
	}
	if !is.Closed {
		is.Closed = true
		is.Status = rec.Status
		is.Labels = append(withoutProgress(is.Labels), LabelDone)
		sort.Strings(is.Labels)
		is.Writes++
	}
	return &tracker.RemoteRef{ID: remoteID, URL: URL(remoteID), Labels: append([]string(nil), is.Labels...)}, nil
}

func (f *Fake) ReadProgress(ctx context.Context, remoteID int64) (*tracker.Progress, error) {
	if err := f.begin(OpProgress, remoteID); err != nil {
		return nil, tracker.Unavailable(fmt.Sprintf("read progress %d", remoteID), err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	is, ok := f.issues[remoteID]
	if !ok {
		return nil, tracker.Unavailable(fmt.Sprintf("read progress %d", remoteID), fmt.Errorf("issue not found"))
	}
	p := &tracker.Progress{IsClosed: is.Closed, Labels: append([]string(nil), is.Labels...)}
	for _, l := range is.Labels {
		if strings.HasPrefix(l, progressPrefix) {
			p.Label = l
		}
	}
	if p.Label == "" {
		p.Label = LabelToDo
		if is.Closed {
			p.Label = LabelDone
		}
	}
	return p, nil
}

func (f *Fake) ParseRemoteURL(url string) (int64, bool) {
	m := urlPattern.FindStringSubmatch(url)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	return id, err == nil
}

func withoutProgress(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if strings.HasPrefix(l, progressPrefix) {
			continue
		}
		out = append(out, l)
	}
	return out
}
