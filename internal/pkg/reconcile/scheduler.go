package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/wholestack/jukebox/app/models"
	"github.com/wholestack/jukebox/internal/pkg/invoicing"
)

// State of a tracked invoice's reconciliation.
type State string

const (
	StateScheduled State = "scheduled"
	StateChecking  State = "checking"
	StateSettled   State = "settled"
	StateExpired   State = "expired"
)

// InvoiceSource is the slice of the invoice lifecycle the scheduler drives.
type InvoiceSource interface {
	Get(ctx context.Context, paymentHash string) (*models.Invoice, error)
	Delete(ctx context.Context, paymentHash string) (bool, error)
	Paid(ctx context.Context, invoice *models.Invoice) (bool, error)
	Settle(ctx context.Context, invoice *models.Invoice) error
}

// MessageRemover removes the payment prompt when an invoice expires. Best
// effort.
type MessageRemover interface {
	RemoveMessage(ctx context.Context, chatID, messageID int64) error
}

// task is one self-rescheduling reconciliation loop. The invoice value
// travels with the task; whether the loop still needs to run is always
// re-derived from store presence, never from this copy.
type task struct {
	id      string
	invoice *models.Invoice
	state   State
	timer   *time.Timer
}

// Scheduler polls open invoices until the gateway reports them paid, they
// run out of TTL, or the push path settles them first. One fire-and-forget
// one-shot per open invoice; no bound beyond the number of open invoices.
type Scheduler struct {
	invoices InvoiceSource
	remover  MessageRemover

	// delay between polls; step is what each unsuccessful poll costs the
	// invoice's remaining TTL, in seconds.
	delay time.Duration
	step  int

	mu      sync.Mutex
	tasks   map[string]*task
	stopped bool
}

// NewScheduler builds a scheduler polling every delay and charging step
// seconds of TTL per unsuccessful poll.
func NewScheduler(invoices InvoiceSource, remover MessageRemover, delay time.Duration, step int) *Scheduler {
	return &Scheduler{
		invoices: invoices,
		remover:  remover,
		delay:    delay,
		step:     step,
		tasks:    make(map[string]*task),
	}
}

// Track schedules the first check for a persisted invoice and returns the
// task id. Save must have completed before Track is called.
func (s *Scheduler) Track(invoice *models.Invoice) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ""
	}

	t := &task{
		id:      uuid.New().String(),
		invoice: invoice,
		state:   StateScheduled,
	}
	s.tasks[t.id] = t
	t.timer = time.AfterFunc(s.delay, func() { s.fire(t.id) })

	log.Infof("[Reconcile] Tracking invoice %s (ttl=%ds)", invoice.PaymentHash, invoice.TTL)
	return t.id
}

// TaskState reports the state of a task, or "" for unknown ids. Finished
// tasks keep their terminal state until the next Sweep evicts them.
func (s *Scheduler) TaskState(id string) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tasks[id]; ok {
		return t.state
	}
	return ""
}

// Open returns the number of tasks that have not reached a terminal state.
func (s *Scheduler) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.tasks {
		if t.state == StateScheduled || t.state == StateChecking {
			n++
		}
	}
	return n
}

// Sweep evicts tasks that reached a terminal state and returns how many
// were removed. It runs on the periodic cleanup cadence; without it the
// task table would grow with every invoice ever tracked.
func (s *Scheduler) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, t := range s.tasks {
		if t.state == StateSettled || t.state == StateExpired {
			delete(s.tasks, id)
			n++
		}
	}
	if n > 0 {
		log.Infof("[Reconcile] Swept %d finished tasks", n)
	}
	return n
}

// Stop cancels all pending timers. In-flight checks finish on their own;
// their settlement path is idempotent regardless.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for _, t := range s.tasks {
		if t.timer != nil {
			t.timer.Stop()
		}
	}
}

// fire runs one check for a tracked invoice.
func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || s.stopped {
		s.mu.Unlock()
		return
	}
	t.state = StateChecking
	invoice := t.invoice
	s.mu.Unlock()

	ctx := context.Background()

	// Re-derive "do I still need to run" from store presence. The push path
	// or a cancellation may have deleted the record since the last poll.
	if _, err := s.invoices.Get(ctx, invoice.PaymentHash); err != nil {
		if errors.Is(err, invoicing.ErrNotFound) {
			log.Infof("[Reconcile] Invoice %s no longer exists, probably paid or canceled", invoice.PaymentHash)
			s.finish(id, StateSettled)
			return
		}
		// Transient store failure: keep the TTL untouched and try again.
		log.Errorf("[Reconcile] Store check for %s failed: %v", invoice.PaymentHash, err)
		s.reschedule(id)
		return
	}

	paid, err := s.invoices.Paid(ctx, invoice)
	if err != nil {
		log.Errorf("[Reconcile] Payment check for %s failed: %v", invoice.PaymentHash, err)
		s.expireOrReschedule(id, invoice)
		return
	}

	if paid {
		if err := s.invoices.Settle(ctx, invoice); err != nil && !errors.Is(err, invoicing.ErrAlreadySettled) {
			log.Errorf("[Reconcile] Settlement of %s failed: %v", invoice.PaymentHash, err)
		}
		s.finish(id, StateSettled)
		return
	}

	s.expireOrReschedule(id, invoice)
}

// expireOrReschedule charges one poll interval against the invoice TTL and
// either expires the invoice or schedules the next check.
func (s *Scheduler) expireOrReschedule(id string, invoice *models.Invoice) {
	// At most one fire per task is in flight (the next timer is only armed
	// by reschedule), so this is the sole writer of the task's TTL.
	invoice.TTL -= s.step
	if invoice.TTL > 0 {
		s.reschedule(id)
		return
	}

	ctx := context.Background()
	if _, err := s.invoices.Delete(ctx, invoice.PaymentHash); err != nil {
		log.Errorf("[Reconcile] Could not delete expired invoice %s: %v", invoice.PaymentHash, err)
	}
	if invoice.MessageID != 0 {
		if err := s.remover.RemoveMessage(ctx, invoice.ChatID, invoice.MessageID); err != nil {
			log.Warnf("[Reconcile] Could not remove prompt for expired invoice %s: %v", invoice.PaymentHash, err)
		}
	}
	log.Infof("[Reconcile] Invoice %s expired unpaid", invoice.PaymentHash)
	s.finish(id, StateExpired)
}

func (s *Scheduler) reschedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || s.stopped {
		return
	}
	t.state = StateScheduled
	t.timer = time.AfterFunc(s.delay, func() { s.fire(id) })
}

func (s *Scheduler) finish(id string, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tasks[id]; ok {
		t.state = state
		t.timer = nil
	}
}
