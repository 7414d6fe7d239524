// Package spool implements the external collaborator interfaces on a
// shared filesystem directory. Operators and sidecar processes drop
// JSON files in; the daemon polls them and writes status back.
//
// Layout under the spool root:
//
//	signals/*.json   observations for the evolution scheduler
//	issues/*.json    open work items
//	status/<id>      terminal status written back per item
//	restart.requested (written when a cycle promoted changes)
package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forgeloop/internal/core"
	"github.com/fyrsmithlabs/forgeloop/internal/evolve"
	"github.com/fyrsmithlabs/forgeloop/internal/logging"
)

// Dir is a spool rooted at one directory.
type Dir struct {
	root string
	log  *logging.Logger
}

// New creates the spool layout under root.
func New(root string, log *logging.Logger) (*Dir, error) {
	for _, sub := range []string{"signals", "issues", "status"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create spool dir %s: %w", sub, err)
		}
	}
	return &Dir{root: root, log: log.Named("spool")}, nil
}

type signalFile struct {
	Source  string `json:"source"`
	Kind    string `json:"kind"`
	Content string `json:"content"`
}

// PollSignals implements evolve.SignalSource. Signal files stay in
// place until removed by whoever wrote them; repeated polls of the
// same file dedup downstream.
func (d *Dir) PollSignals(ctx context.Context) ([]evolve.Signal, error) {
	files, err := d.listJSON("signals")
	if err != nil {
		return nil, err
	}

	var signals []evolve.Signal
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var sig signalFile
		if err := readJSON(path, &sig); err != nil {
			d.log.Warn(ctx, "skipping malformed signal file",
				zap.String("path", path), zap.Error(err))
			continue
		}
		if sig.Content == "" {
			continue
		}
		if sig.Source == "" {
			sig.Source = strings.TrimSuffix(filepath.Base(path), ".json")
		}
		signals = append(signals, evolve.Signal{
			Source:  sig.Source,
			Kind:    sig.Kind,
			Content: sig.Content,
		})
	}
	return signals, nil
}

type issueFile struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	Labels   []string `json:"labels,omitempty"`
	Priority int      `json:"priority,omitempty"`
}

// ListOpenItems implements core.IssueSource. Items with a recorded
// terminal status are not open.
func (d *Dir) ListOpenItems(ctx context.Context) ([]core.Item, error) {
	files, err := d.listJSON("issues")
	if err != nil {
		return nil, err
	}

	var items []core.Item
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var issue issueFile
		if err := readJSON(path, &issue); err != nil {
			d.log.Warn(ctx, "skipping malformed issue file",
				zap.String("path", path), zap.Error(err))
			continue
		}
		if issue.ID == "" {
			issue.ID = strings.TrimSuffix(filepath.Base(path), ".json")
		}
		if issue.Text == "" {
			continue
		}
		if d.hasStatus(issue.ID) {
			continue
		}
		items = append(items, core.Item{
			ID:       issue.ID,
			Text:     issue.Text,
			Labels:   issue.Labels,
			Priority: issue.Priority,
		})
	}
	return items, nil
}

// UpdateStatus implements core.IssueSource.
func (d *Dir) UpdateStatus(ctx context.Context, id, status string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := filepath.Join(d.root, "status", id)
	line := fmt.Sprintf("%s %s\n", status, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(path, []byte(line), 0o644); err != nil {
		return fmt.Errorf("write status for %s: %w", id, err)
	}
	return nil
}

// RequestRestart implements evolve.RestartTrigger by touching a marker
// file an external supervisor watches. Failures are logged, never
// propagated.
func (d *Dir) RequestRestart(ctx context.Context, reason string) {
	path := filepath.Join(d.root, "restart.requested")
	line := fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339), reason)
	if err := os.WriteFile(path, []byte(line), 0o644); err != nil {
		d.log.Warn(ctx, "restart request failed", zap.Error(err))
		return
	}
	d.log.Info(ctx, "restart requested", zap.String("reason", reason))
}

func (d *Dir) hasStatus(id string) bool {
	_, err := os.Stat(filepath.Join(d.root, "status", id))
	return err == nil
}

func (d *Dir) listJSON(sub string) ([]string, error) {
	dir := filepath.Join(d.root, sub)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read spool dir %s: %w", sub, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
