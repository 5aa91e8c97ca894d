package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/quorumgrid/nodepool/pkg/types"
)

// Lock-directory naming scheme. Everything about a slot lives in flat
// files so that "nodepool status" and foreign workers can inspect it
// without talking to anyone.
func slotMetaName(idx int) string {
	return fmt.Sprintf("slot%d.meta", idx)
}

func slotStateFile(dir string, idx int) string {
	return filepath.Join(dir, fmt.Sprintf("slot%d.state", idx))
}

func slotDataDir(dir string, idx int) string {
	return filepath.Join(dir, fmt.Sprintf("slot%d.data", idx))
}

func slotHolderPrefix(idx int) string {
	return fmt.Sprintf("slot%d.holder.", idx)
}

func slotResourceName(idx int, resource string) string {
	return fmt.Sprintf("slot%d.res.%s", idx, resource)
}

// readState loads a slot's persisted state. A missing file means the
// slot has never been started.
func (p *Pool) readState(idx int) (*types.SlotState, error) {
	data, err := os.ReadFile(slotStateFile(p.dir, idx))
	if err != nil {
		if os.IsNotExist(err) {
			return &types.SlotState{State: types.InstanceStateFree}, nil
		}
		return nil, fmt.Errorf("failed to read slot %d state: %w", idx, err)
	}

	var st types.SlotState
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("corrupt slot %d state file: %w", idx, err)
	}
	return &st, nil
}

// writeState persists a slot's state. Callers must hold the slot's meta
// lock.
func (p *Pool) writeState(idx int, st *types.SlotState) error {
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal slot %d state: %w", idx, err)
	}
	if err := os.MkdirAll(p.dir, 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	if err := os.WriteFile(slotStateFile(p.dir, idx), data, 0644); err != nil {
		return fmt.Errorf("failed to write slot %d state: %w", idx, err)
	}
	return nil
}

// writeHolder drops a holder marker for the slot and returns its path.
// Markers let every worker count the live concurrent sessions on an
// instance without any shared memory.
func (p *Pool) writeHolder(idx int, exclusive bool) (string, types.HolderInfo, error) {
	hostname, _ := os.Hostname()
	h := types.HolderInfo{
		HolderID:   uuid.New().String(),
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: time.Now().UTC(),
		Exclusive:  exclusive,
	}

	data, err := json.Marshal(h)
	if err != nil {
		return "", h, fmt.Errorf("failed to marshal holder info: %w", err)
	}

	path := filepath.Join(p.dir, slotHolderPrefix(idx)+h.HolderID)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", h, fmt.Errorf("failed to write holder marker: %w", err)
	}
	return path, h, nil
}

// liveHolders returns the live holder markers for a slot, sweeping
// markers whose recorded process is gone.
func (p *Pool) liveHolders(idx int) ([]types.HolderInfo, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	hostname, _ := os.Hostname()
	prefix := slotHolderPrefix(idx)

	var holders []types.HolderInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		path := filepath.Join(p.dir, e.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var h types.HolderInfo
		if err := json.Unmarshal(data, &h); err != nil {
			p.logger.Warn().Str("marker", e.Name()).Msg("removing corrupt holder marker")
			_ = os.Remove(path)
			continue
		}

		if h.Hostname == hostname && !processAlive(h.PID) {
			p.logger.Warn().
				Str("holder_id", h.HolderID).
				Int("pid", h.PID).
				Msg("removing holder marker of dead worker")
			_ = os.Remove(path)
			continue
		}

		holders = append(holders, h)
	}
	return holders, nil
}

func anyExclusive(holders []types.HolderInfo) bool {
	for _, h := range holders {
		if h.Exclusive {
			return true
		}
	}
	return false
}
