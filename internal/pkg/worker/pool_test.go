package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"unitmover.io/unitmover/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

func TestNewPools(t *testing.T) {
	pools, err := NewPools(context.Background(), DefaultPoolConfig())
	if err != nil {
		t.Fatalf("NewPools() error = %v", err)
	}
	defer pools.Shutdown(time.Second)

	if pools.General == nil {
		t.Error("General pool is nil")
	}
	if pools.Transfer == nil {
		t.Error("Transfer pool is nil")
	}
}

func TestPool_Submit(t *testing.T) {
	ctx := context.Background()
	pools, err := NewPools(ctx, PoolConfig{GeneralPoolSize: 10, TransferPoolSize: 5})
	if err != nil {
		t.Fatalf("NewPools() error = %v", err)
	}
	defer pools.Shutdown(time.Second)

	var executed atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)

	err = pools.General.Submit(ctx, func(ctx context.Context) {
		executed.Store(true)
		wg.Done()
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	wg.Wait()
	if !executed.Load() {
		t.Error("Task was not executed")
	}
}

func TestPool_Submit_CancelledContext(t *testing.T) {
	ctx := context.Background()
	pools, err := NewPools(ctx, DefaultPoolConfig())
	if err != nil {
		t.Fatalf("NewPools() error = %v", err)
	}
	defer pools.Shutdown(time.Second)

	cancelledCtx, cancel := context.WithCancel(ctx)
	cancel()

	err = pools.General.Submit(cancelledCtx, func(ctx context.Context) {
		t.Error("Task should not execute with cancelled context")
	})
	if err != context.Canceled {
		t.Errorf("Submit() error = %v, want context.Canceled", err)
	}
}

func TestPool_Run(t *testing.T) {
	ctx := context.Background()
	pools, err := NewPools(ctx, PoolConfig{GeneralPoolSize: 2, TransferPoolSize: 4})
	if err != nil {
		t.Fatalf("NewPools() error = %v", err)
	}
	defer pools.Shutdown(time.Second)

	t.Run("all succeed", func(t *testing.T) {
		var count atomic.Int32
		fns := make([]func(context.Context) error, 20)
		for i := range fns {
			fns[i] = func(context.Context) error {
				count.Add(1)
				return nil
			}
		}
		if err := pools.Transfer.Run(ctx, fns...); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if count.Load() != 20 {
			t.Errorf("executed %d tasks, want 20", count.Load())
		}
	})

	t.Run("first error returned", func(t *testing.T) {
		boom := errors.New("boom")
		fns := []func(context.Context) error{
			func(context.Context) error { return nil },
			func(context.Context) error { return boom },
			func(context.Context) error { return nil },
		}
		if err := pools.Transfer.Run(ctx, fns...); !errors.Is(err, boom) {
			t.Errorf("Run() error = %v, want boom", err)
		}
	})

	t.Run("empty", func(t *testing.T) {
		if err := pools.Transfer.Run(ctx); err != nil {
			t.Errorf("Run() error = %v", err)
		}
	})
}

func TestPools_SubmitDetached(t *testing.T) {
	tests := []struct {
		name     string
		poolName string
	}{
		{"general pool", "general"},
		{"transfer pool", "transfer"},
		{"default fallback", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pools, err := NewPools(context.Background(), DefaultPoolConfig())
			if err != nil {
				t.Fatalf("NewPools() error = %v", err)
			}

			var executed atomic.Bool
			var wg sync.WaitGroup
			wg.Add(1)

			err = pools.SubmitDetached(tt.poolName, func(ctx context.Context) {
				executed.Store(true)
				wg.Done()
			})
			if err != nil {
				t.Fatalf("SubmitDetached(%q) error = %v", tt.poolName, err)
			}

			wg.Wait()
			pools.Shutdown(time.Second)

			if !executed.Load() {
				t.Errorf("SubmitDetached(%q) task was not executed", tt.poolName)
			}
		})
	}
}

func TestPools_Metrics(t *testing.T) {
	pools, err := NewPools(context.Background(), PoolConfig{GeneralPoolSize: 10, TransferPoolSize: 5})
	if err != nil {
		t.Fatalf("NewPools() error = %v", err)
	}
	defer pools.Shutdown(time.Second)

	metrics := pools.Metrics()

	general, ok := metrics["general"].(map[string]int)
	if !ok {
		t.Fatal("general metrics not found or wrong type")
	}
	if general["cap"] != 10 {
		t.Errorf("general cap = %d, want 10", general["cap"])
	}

	transfer, ok := metrics["transfer"].(map[string]int)
	if !ok {
		t.Fatal("transfer metrics not found or wrong type")
	}
	if transfer["cap"] != 5 {
		t.Errorf("transfer cap = %d, want 5", transfer["cap"])
	}
}

func TestPool_SubmitAfterShutdown(t *testing.T) {
	pools, err := NewPools(context.Background(), PoolConfig{GeneralPoolSize: 1, TransferPoolSize: 1})
	if err != nil {
		t.Fatalf("NewPools() error = %v", err)
	}
	pools.Shutdown(time.Second)

	err = pools.General.Submit(context.Background(), func(context.Context) {})
	if !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Submit() after shutdown error = %v, want ErrPoolClosed", err)
	}
}
