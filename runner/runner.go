// Package runner drives one collection run: every configured Zabbix instance
// is polled concurrently (bounded by the worker limit) through its own
// client/collector pipeline, and the results land in the shared warehouse
// store under a single run id.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"zcollect/config"
	"zcollect/store"
	"zcollect/zabbix"
)

// tokenName identifies API tokens this poller provisions for itself.
const tokenName = "zcollect-poller"

// logoutGrace bounds how long a pipeline may spend releasing its session
// after the run context is cancelled.
const logoutGrace = 10 * time.Second

// Result is the outcome of one instance's pipeline.
type Result struct {
	URL   string
	Plant string
	Err   error
}

// Runner executes one pipeline per configured instance.
type Runner struct {
	cfg        *config.Config
	store      store.Store
	log        *zap.SugaredLogger
	clientOpts []zabbix.Option
}

// New returns a Runner over the given configuration and warehouse store.
// clientOpts are applied to every instance client; tests use them to shrink
// retry waits.
func New(cfg *config.Config, st store.Store, log *zap.SugaredLogger, clientOpts ...zabbix.Option) *Runner {
	return &Runner{cfg: cfg, store: st, log: log, clientOpts: clientOpts}
}

// Run polls all instances and returns one Result per instance, in
// configuration order. Instances fail independently: a bad plant, rejected
// login or unreachable host marks that instance failed and the others
// continue. Run always waits for in-flight pipelines, so a cancelled context
// still lets each pipeline reach its logout step.
func (r *Runner) Run(ctx context.Context) []Result {
	sem := semaphore.NewWeighted(int64(r.cfg.Workers))
	results := make([]Result, len(r.cfg.Instances))

	var wg sync.WaitGroup
	for i, inst := range r.cfg.Instances {
		results[i] = Result{URL: inst.URL, Plant: inst.PlantName}

		if err := sem.Acquire(ctx, 1); err != nil {
			results[i].Err = fmt.Errorf("runner: cancelled before start: %w", err)
			continue
		}

		wg.Add(1)
		go func(i int, inst config.Instance) {
			defer wg.Done()
			defer sem.Release(1)
			results[i].Err = r.pollInstance(ctx, inst)
		}(i, inst)
	}
	wg.Wait()

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			r.log.Errorw("instance failed", "url", res.URL, "plant", res.Plant, "error", res.Err)
		} else {
			r.log.Infow("instance completed", "url", res.URL, "plant", res.Plant)
		}
	}
	r.log.Infow("run finished",
		"run_id", r.store.RunID(),
		"instances", len(results),
		"failed", failed)

	return results
}

// pollInstance runs the full pipeline for one instance: authenticate,
// resolve plant and group, enumerate hosts, and write facts per host.
// The session is released on every path.
func (r *Runner) pollInstance(ctx context.Context, inst config.Instance) error {
	client := zabbix.NewClient(inst.URL, r.log, r.clientOpts...)

	creds, err := inst.Credentials()
	if err != nil {
		return err
	}
	switch c := creds.(type) {
	case config.Token:
		client.SetToken(string(c))
	case config.UserPass:
		if err := client.Login(ctx, c.Username, c.Password); err != nil {
			return err
		}
		if inst.ProvisionToken {
			r.provisionToken(ctx, client)
		}
	}
	defer func() {
		// Detached from the run context so an interrupted run still
		// releases the session instead of leaking it on the platform.
		logoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logoutGrace)
		defer cancel()
		client.Logout(logoutCtx)
	}()

	plantID, ok, err := r.store.PlantID(ctx, inst.PlantName)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("runner: plant %q not found in warehouse", inst.PlantName)
	}

	coll := zabbix.NewCollector(client, r.cfg.GroupName, r.log)

	groupID, ok, err := coll.ResolveGroup(ctx)
	if err != nil {
		return err
	}
	if !ok {
		// Logged by the collector; an absent group means zero hosts, not failure.
		return nil
	}

	hosts, err := coll.Hosts(ctx, groupID)
	if err != nil {
		return err
	}
	r.log.Infow("polling hosts", "plant", inst.PlantName, "hosts", len(hosts))

	for _, h := range hosts {
		if err := r.pollHost(ctx, coll, plantID, h); err != nil {
			// One host's failure never aborts the instance's remaining hosts.
			r.log.Errorw("host processing failed",
				"plant", inst.PlantName, "host", h.Name, "error", err)
		}
	}
	return nil
}

// provisionToken swaps the login session for a named long-lived API token.
// Failure keeps the session token; collection proceeds either way.
func (r *Runner) provisionToken(ctx context.Context, client *zabbix.Client) {
	tok, err := client.EnsureToken(ctx, tokenName, 30*24*time.Hour)
	if err != nil {
		r.log.Warnw("api token provisioning failed, keeping login session",
			"url", client.URL(), "error", err)
		return
	}
	client.Logout(ctx)
	client.SetToken(tok)
}

// pollHost writes the availability fact and one disk fact per mount point
// for a single host. Availability commits independently, so a later
// disk-space failure leaves it recorded.
func (r *Runner) pollHost(ctx context.Context, coll *zabbix.Collector, plantID int64, h zabbix.Host) error {
	serverID, err := r.store.EnsureServer(ctx, plantID, h.Name, h.ID)
	if err != nil {
		return err
	}

	available := coll.Availability(h)
	if err := r.store.InsertAvailability(ctx, serverID, available, r.store.RunID()); err != nil {
		return err
	}

	disks, err := coll.DiskSpace(ctx, h.ID)
	if err != nil {
		return err
	}
	for _, du := range disks {
		err := r.store.InsertDiskSpace(ctx, serverID, store.DiskUsage{
			MountPoint:  du.MountPoint,
			Total:       du.Total,
			Used:        du.Used,
			Free:        du.Free,
			FreePercent: du.FreePercent,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
