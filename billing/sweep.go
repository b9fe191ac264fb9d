package billing

import (
	"errors"
	"fmt"
	"time"

	"evcharge/internal"
)

const sweepFeatureName = "BillingSweep"

// Sweep periodically retries transactions stuck in the billing failed state.
// Retries run sequentially with a delay between items so a recovering
// database is not hit with a burst.
type Sweep struct {
	service   *Service
	database  internal.Database
	logger    internal.LogHandler
	interval  time.Duration
	window    time.Duration
	itemDelay time.Duration
	started   bool
	stop      chan struct{}
	done      chan struct{}
}

func NewSweep(service *Service, database internal.Database, logger internal.LogHandler) *Sweep {
	return &Sweep{
		service:   service,
		database:  database,
		logger:    logger,
		interval:  30 * time.Minute,
		window:    24 * time.Hour,
		itemDelay: 2 * time.Second,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (s *Sweep) SetSchedule(interval, window, itemDelay time.Duration) {
	if interval > 0 {
		s.interval = interval
	}
	if window > 0 {
		s.window = window
	}
	if itemDelay >= 0 {
		s.itemDelay = itemDelay
	}
}

func (s *Sweep) Start() {
	if s.started {
		return
	}
	s.started = true
	go s.run()
}

// Stop cancels the schedule and waits for an in-flight sweep to finish its
// current item. Safe to call when the sweep was never started, so shutdown
// cannot hang on a schedule that does not exist.
func (s *Sweep) Stop() {
	if !s.started {
		return
	}
	s.started = false
	close(s.stop)
	<-s.done
}

func (s *Sweep) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *Sweep) sweep() {
	since := time.Now().Add(-s.window)
	transactions, err := s.database.GetBillingFailedTransactions(since)
	if err != nil {
		s.logger.Error("loading billing failed transactions", err)
		return
	}
	if len(transactions) == 0 {
		return
	}

	retried := 0
	recovered := 0
	for i, transaction := range transactions {
		select {
		case <-s.stop:
			return
		default:
		}
		retried++
		err = s.service.RetryFailedBilling(transaction.Id)
		if err == nil {
			recovered++
		} else if !errors.Is(err, ErrNotRetryable) {
			s.logger.Warn(fmt.Sprintf("retry billing for transaction %d: %s", transaction.Id, err))
		}
		if s.itemDelay > 0 && i < len(transactions)-1 {
			time.Sleep(s.itemDelay)
		}
	}
	s.logger.FeatureEvent(sweepFeatureName, "", fmt.Sprintf("retried %d, recovered %d", retried, recovered))
}
