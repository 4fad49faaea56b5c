// Package worker is the Background Worker of spec.md §4.6: a single
// long-lived loop draining an unbounded job queue (PatchHosts, CheckVms,
// CheckVm{vm_id}, SendNotification), plus the Lightning invoice
// subscription listener that feeds settlement. Grounded on
// original_source's worker/mod.rs and payments/invoice.rs's
// NodeInvoiceHandler, and on the teacher's pkg/roster ticker-loop idiom.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/lnvpsd/internal/config"
	"github.com/wisbric/lnvpsd/pkg/credcrypto"
	"github.com/wisbric/lnvpsd/pkg/dnsserver"
	"github.com/wisbric/lnvpsd/pkg/exchangerates"
	"github.com/wisbric/lnvpsd/pkg/fiat"
	"github.com/wisbric/lnvpsd/pkg/hostclient"
	"github.com/wisbric/lnvpsd/pkg/lightning"
	"github.com/wisbric/lnvpsd/pkg/model"
	"github.com/wisbric/lnvpsd/pkg/netalloc"
	"github.com/wisbric/lnvpsd/pkg/notify"
	"github.com/wisbric/lnvpsd/pkg/opretry"
	"github.com/wisbric/lnvpsd/pkg/payment"
	"github.com/wisbric/lnvpsd/pkg/pricing"
	"github.com/wisbric/lnvpsd/pkg/provisioner"
	"github.com/wisbric/lnvpsd/pkg/router"
	"github.com/wisbric/lnvpsd/pkg/scheduler"
	"github.com/wisbric/lnvpsd/pkg/store"
	"github.com/wisbric/lnvpsd/pkg/vmhistory"
)

// Deps bundles every collaborator the worker drives.
type Deps struct {
	Logger *slog.Logger
	Store  *store.Store
	Redis  *redis.Client

	Provisioner *provisioner.Provisioner
	HostClients provisioner.HostClientFactory
	Payment     *payment.Engine
	Pricing     *pricing.Engine
	Scheduler   *scheduler.Scheduler
	Net         *netalloc.Allocator
	Router      router.Router
	Rates       exchangerates.ExchangeRates
	History     *vmhistory.Writer

	UserNotify  notify.UserSink
	AdminNotify notify.AdminSink

	DeleteAfterDays int
	PatchHostsEvery time.Duration
	CheckVmsEvery   time.Duration
}

// BuildDeps constructs every collaborator from cfg and the already-dialed
// db/rdb handles — the sole forward reference internal/app.runWorker needs.
func BuildDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) (Deps, error) {
	st := store.New(db)
	history := vmhistory.NewWriter(db, logger)
	history.Start(ctx)

	key, err := credcrypto.LoadOrGenerateKey(cfg.EncryptionKeyFile, cfg.EncryptionAutoGen)
	if err != nil {
		return Deps{}, fmt.Errorf("loading credential encryption key: %w", err)
	}
	credBox, err := credcrypto.NewBox(key)
	if err != nil {
		return Deps{}, fmt.Errorf("building credential box: %w", err)
	}

	hostClients := func(ctx context.Context, host model.Host) (hostclient.HostClient, error) {
		return hostclient.NewClient(host, credBox, cfg.ProxmoxOUI, logger)
	}

	rtr := BuildRouter(cfg, logger)
	dns := BuildDNS(cfg, logger)
	ln := buildLightning(cfg, logger)
	fg := buildFiat(cfg, logger)
	rates := exchangerates.NewMempoolCache(cfg.ExchangeRateEndpoint)

	net := &netalloc.Allocator{Store: st, Router: rtr, DNS: dns, ForwardZone: cfg.DNSForwardZone}
	sched := &scheduler.Scheduler{Store: st}
	priceEngine := &pricing.Engine{Store: st, Rates: rates, TaxRates: cfg.TaxRates()}

	retry := opretry.Policy{MaxAttempts: cfg.RetryMaxAttempts, BaseDelay: time.Duration(cfg.RetryBaseDelayMs) * time.Millisecond}

	prov := &provisioner.Provisioner{
		Store: st, Scheduler: sched, Net: net, Router: rtr,
		HostClients: hostClients, History: history, Retry: retry,
		Locker: &provisioner.RedisLocker{Client: rdb},
	}

	settler := &poolSettler{pool: db}

	payEngine := &payment.Engine{
		Store: st, Settler: settler, Pricing: priceEngine,
		Lightning: ln, Fiat: fg, History: history,
		LightningExpirySeconds: int64(cfg.LightningInvoiceExpirySeconds),
		FiatExpirySeconds:      int64(cfg.FiatInvoiceExpirySeconds),
	}

	patchHostsEvery, err := time.ParseDuration(cfg.WorkerPatchHostsInterval)
	if err != nil {
		return Deps{}, fmt.Errorf("parsing WORKER_PATCH_HOSTS_INTERVAL: %w", err)
	}
	checkVmsEvery, err := time.ParseDuration(cfg.WorkerCheckVmsInterval)
	if err != nil {
		return Deps{}, fmt.Errorf("parsing WORKER_CHECK_VMS_INTERVAL: %w", err)
	}

	userSink := &notify.MultiUserSink{
		Sinks: []notify.UserSink{
			&notify.EmailSink{Host: cfg.SMTPHost, From: cfg.SMTPFrom, Log: logger},
			&notify.NostrSink{Relays: cfg.NostrRelays, Log: logger},
		},
		Log: logger,
	}
	adminSink := notify.NewSlackAdminSink(cfg.SlackBotToken, cfg.SlackAdminChannel, logger)

	deps := Deps{
		Logger: logger, Store: st, Redis: rdb,
		Provisioner: prov, HostClients: hostClients, Payment: payEngine, Pricing: priceEngine,
		Scheduler: sched, Net: net, Router: rtr, Rates: rates, History: history,
		UserNotify: userSink, AdminNotify: adminSink,
		DeleteAfterDays: cfg.DeleteAfterDays,
		PatchHostsEvery: patchHostsEvery, CheckVmsEvery: checkVmsEvery,
	}

	// payEngine enqueues onto the worker's own queue on settlement
	// (spec.md §4.5.2 step 5); the Worker built from deps wires itself in
	// as soon as it exists, see New.
	return deps, nil
}

// BuildRouter selects the Router driver from cfg, shared by BuildDeps and
// mode=migrate's IPv6 backfill.
func BuildRouter(cfg *config.Config, logger *slog.Logger) router.Router {
	if cfg.MikrotikEndpoint == "" {
		return &router.Noop{Logger: logger}
	}
	return router.NewMikrotikRouter(cfg.MikrotikEndpoint, cfg.MikrotikUser, cfg.MikrotikPassword)
}

// BuildDNS selects the DnsServer driver from cfg, shared by BuildDeps and
// mode=migrate's IPv6 backfill.
func BuildDNS(cfg *config.Config, logger *slog.Logger) dnsserver.DnsServer {
	if cfg.DNSEndpoint == "" {
		return &dnsserver.Noop{Logger: logger}
	}
	srv, err := dnsserver.NewRfc2136Server(cfg.DNSEndpoint, cfg.DNSTSIGKey)
	if err != nil {
		logger.Warn("dns server misconfigured, falling back to noop", "error", err)
		return &dnsserver.Noop{Logger: logger}
	}
	return srv
}

func buildLightning(cfg *config.Config, logger *slog.Logger) lightning.LightningNode {
	if cfg.LNDEndpoint == "" {
		return &lightning.Noop{Logger: logger}
	}
	return lightning.NewLndNode(cfg.LNDEndpoint, cfg.LNDMacaroon, false)
}

func buildFiat(cfg *config.Config, logger *slog.Logger) fiat.FiatGateway {
	if cfg.RevolutAPIKey == "" {
		return &fiat.Noop{Logger: logger}
	}
	return fiat.NewRevolutGateway("", cfg.RevolutAPIKey, cfg.RevolutWebhookSecret)
}

// Worker is the background worker's job loop.
type Worker struct {
	deps  Deps
	queue *jobQueue
}

// New builds a Worker from deps, wiring the payment engine's JobEnqueuer
// back onto the worker's own job queue.
func New(deps Deps) *Worker {
	w := &Worker{deps: deps, queue: newJobQueue()}
	if deps.Payment != nil {
		deps.Payment.Jobs = (*queueEnqueuer)(w.queue)
	}
	return w
}

// Run drains the job queue until ctx is cancelled, alongside the
// PatchHosts/CheckVms timers and the Lightning invoice subscription
// listener. It returns when ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	defer w.deps.History.Close()

	patchEvery, checkEvery := w.deps.PatchHostsEvery, w.deps.CheckVmsEvery
	if patchEvery <= 0 {
		patchEvery = 5 * time.Minute
	}
	if checkEvery <= 0 {
		checkEvery = 30 * time.Second
	}

	go runTicker(ctx, patchEvery, func() { w.queue.push(Job{Kind: JobPatchHosts}) })
	go runTicker(ctx, checkEvery, func() { w.queue.push(Job{Kind: JobCheckVms}) })
	go w.runInvoiceListener(ctx)

	// Not on a timer like patch_hosts/check_vms: arp drift only ever
	// accumulates from out-of-band router edits, so one pass at boot is
	// enough. Re-run by restarting the worker, or enqueue the job kind
	// directly once an operator trigger exists.
	w.queue.push(Job{Kind: JobReconcileArpRefs})

	w.deps.Logger.Info("worker started", "patch_hosts_every", patchEvery, "check_vms_every", checkEvery)

	for {
		job, ok := w.queue.pop(ctx)
		if !ok {
			return ctx.Err()
		}
		if err := w.handle(ctx, job); err != nil {
			w.deps.Logger.Error("job failed", "kind", job.Kind, "error", err)
		}
	}
}

func runTicker(ctx context.Context, every time.Duration, fn func()) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	fn()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (w *Worker) handle(ctx context.Context, job Job) error {
	switch job.Kind {
	case JobPatchHosts:
		return w.patchHosts(ctx)
	case JobCheckVms:
		return w.checkVms(ctx)
	case JobCheckVm:
		return w.checkVm(ctx, job.VmID)
	case JobSendNotification:
		return w.sendNotification(ctx, job)
	case JobReconcileArpRefs:
		return w.reconcileStrayRecords(ctx)
	default:
		return fmt.Errorf("unknown job kind %d", job.Kind)
	}
}
