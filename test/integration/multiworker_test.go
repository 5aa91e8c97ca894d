package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/quorumgrid/nodepool/pkg/config"
	"github.com/quorumgrid/nodepool/pkg/manager"
)

// TestMultiWorkerCoordination drives several independent Manager values
// against one shared lock directory, the way separately scheduled test
// worker processes would. Each worker repeatedly acquires the same
// resource and appends to a shared file; exclusive access means no
// interleaved writes.
func TestMultiWorkerCoordination(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	lockDir := t.TempDir()
	script := filepath.Join(t.TempDir(), "start.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nsleep 300\n"), 0755); err != nil {
		t.Fatalf("Failed to write start script: %v", err)
	}

	newWorker := func() *manager.Manager {
		cfg := config.Default()
		cfg.LockDir = lockDir
		cfg.MaxInstances = 2
		cfg.StartScript = script
		cfg.ReadyCmd = []string{"true"}
		cfg.LockTimeout = 30 * time.Second
		cfg.StartupTimeout = 10 * time.Second
		cfg.PollInterval = 20 * time.Millisecond
		cfg.StaleGrace = time.Hour

		mgr, err := manager.New(cfg)
		if err != nil {
			t.Fatalf("Failed to create manager: %v", err)
		}
		return mgr
	}

	const workers = 4
	const iterations = 5

	journal := filepath.Join(lockDir, "journal.txt")
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, workers)

	managers := make([]*manager.Manager, workers)
	for i := range managers {
		managers[i] = newWorker()
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = managers[0].StopAll(stopCtx)
		for _, m := range managers {
			_ = m.Close()
		}
	}()

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			mgr := managers[w]

			for i := 0; i < iterations; i++ {
				s, err := mgr.Get(ctx, manager.GetOptions{Resources: []string{"journal"}})
				if err != nil {
					errs <- fmt.Errorf("worker %d iteration %d: %w", w, i, err)
					return
				}

				// Critical section: read-modify-write the journal.
				data, _ := os.ReadFile(journal)
				entry := fmt.Sprintf("worker%d-%d\n", w, i)
				if err := os.WriteFile(journal, append(data, entry...), 0644); err != nil {
					errs <- fmt.Errorf("worker %d write: %w", w, err)
					s.Release()
					return
				}

				if err := s.Release(); err != nil {
					errs <- fmt.Errorf("worker %d release: %w", w, err)
					return
				}
			}
		}(w)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	data, err := os.ReadFile(journal)
	if err != nil {
		t.Fatalf("Failed to read journal: %v", err)
	}

	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != workers*iterations {
		t.Fatalf("Expected %d journal entries, got %d (lost update under contention)",
			workers*iterations, lines)
	}

	t.Logf("%d workers completed %d exclusive sections", workers, lines)
}

// TestMultiWorkerSingleton verifies that a singleton acquisition never
// overlaps with any other session on its instance.
func TestMultiWorkerSingleton(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	lockDir := t.TempDir()
	script := filepath.Join(t.TempDir(), "start.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nsleep 300\n"), 0755); err != nil {
		t.Fatalf("Failed to write start script: %v", err)
	}

	cfg := config.Default()
	cfg.LockDir = lockDir
	cfg.MaxInstances = 1
	cfg.StartScript = script
	cfg.ReadyCmd = []string{"true"}
	cfg.LockTimeout = 30 * time.Second
	cfg.StartupTimeout = 10 * time.Second
	cfg.PollInterval = 20 * time.Millisecond
	cfg.StaleGrace = time.Hour

	mgr, err := manager.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = mgr.StopAll(stopCtx)
	}()

	ctx := context.Background()

	var mu sync.Mutex
	active := 0
	maxActive := 0

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()

			s, err := mgr.Get(ctx, manager.GetOptions{Singleton: true})
			if err != nil {
				errs <- fmt.Errorf("worker %d: %w", w, err)
				return
			}

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(20 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()

			if err := s.Release(); err != nil {
				errs <- fmt.Errorf("worker %d release: %w", w, err)
			}
		}(w)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	if maxActive != 1 {
		t.Fatalf("Expected at most one concurrent singleton holder, observed %d", maxActive)
	}
}
