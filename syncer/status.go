package syncer

import (
	"context"
	"sort"

	"github.com/hazyhaar/kbsync/syncer/internal/state"
)

// JobStatus summarizes the scheduled job of one instance. Scheduled false
// means no job row exists.
type JobStatus struct {
	Scheduled  bool   `json:"scheduled"`
	NextRunAt  int64  `json:"next_run_at,omitempty"`
	LastRunAt  *int64 `json:"last_run_at,omitempty"`
	LastStatus string `json:"last_status,omitempty"`
}

// InstanceStatus groups tracked units and the job of one instance.
type InstanceStatus struct {
	Instance     string    `json:"instance"`
	ActiveUnits  int       `json:"active_units"`
	RemovedUnits int       `json:"removed_units"`
	Job          JobStatus `json:"job"`
}

// Status is a point-in-time snapshot of the engine: tracked units, pass
// counters, stored document total and the per-instance breakdown.
type Status struct {
	ActiveUnits  int              `json:"active_units"`
	RemovedUnits int              `json:"removed_units"`
	PassCount    int64            `json:"pass_count"`
	LastPassAt   int64            `json:"last_pass_at,omitempty"`
	Documents    int64            `json:"documents"`
	Instances    []InstanceStatus `json:"instances"`
}

// Status reports the current engine state. The document count is best
// effort: a content store hiccup degrades it to zero rather than failing
// the whole snapshot.
func (svc *Service) Status(ctx context.Context) (*Status, error) {
	st := &Status{}
	st.PassCount, st.LastPassAt = svc.state.PassInfo()

	perInstance := make(map[string]*InstanceStatus)
	get := func(instance string) *InstanceStatus {
		is, ok := perInstance[instance]
		if !ok {
			is = &InstanceStatus{Instance: instance}
			perInstance[instance] = is
		}
		return is
	}

	for name, entry := range svc.state.Units() {
		is := get(instanceOf(name))
		if entry.Status == state.StatusRemoved {
			st.RemovedUnits++
			is.RemovedUnits++
		} else {
			st.ActiveUnits++
			is.ActiveUnits++
		}
	}

	list, err := svc.queue.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, j := range list {
		is := get(j.Instance)
		is.Job = JobStatus{
			Scheduled:  true,
			NextRunAt:  j.NextRunAt,
			LastRunAt:  j.LastRunAt,
			LastStatus: j.LastStatus,
		}
	}

	docs, err := svc.store.CountAll(ctx)
	if err != nil {
		svc.logger.Warn("syncer: document count unavailable", "error", err)
	} else {
		st.Documents = docs
	}

	names := make([]string, 0, len(perInstance))
	for name := range perInstance {
		names = append(names, name)
	}
	sort.Strings(names)
	st.Instances = make([]InstanceStatus, 0, len(names))
	for _, name := range names {
		st.Instances = append(st.Instances, *perInstance[name])
	}
	return st, nil
}
