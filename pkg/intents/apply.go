package intents

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/flowkeeper/pkg/engine"
	"github.com/openfroyo/flowkeeper/pkg/flows"
)

// Manager is the part of engine.FlowManager that intents drive.
type Manager interface {
	Install(ctx context.Context, deviceID string, fs []flows.Flow) (*engine.IntentResult, error)
	InstallAll(ctx context.Context, fs []flows.Flow) (*engine.IntentResult, error)
	Delete(ctx context.Context, deviceID string, fs []flows.Flow) (*engine.IntentResult, error)
	DeleteAll(ctx context.Context, fs []flows.Flow) (*engine.IntentResult, error)
}

// Summary totals the outcome of submitting documents.
type Summary struct {
	Intents  int
	Sent     int
	Failures map[string][]engine.OpFailure
}

func (s *Summary) add(r *engine.IntentResult) {
	s.Sent += r.Sent
	for dev, fs := range r.Failures {
		s.Failures[dev] = append(s.Failures[dev], fs...)
	}
}

// Apply submits every intent of docs in order. It stops at the first request
// the manager refuses; device failures are collected in the summary instead.
func Apply(ctx context.Context, m Manager, logger zerolog.Logger, docs ...*Document) (*Summary, error) {
	summary := &Summary{Failures: make(map[string][]engine.OpFailure)}

	for _, doc := range docs {
		for i, in := range doc.Intents {
			if err := applyIntent(ctx, m, in, summary); err != nil {
				return summary, fmt.Errorf("%s: intent %d: %w", doc.Source, i, err)
			}
			summary.Intents++
		}

		logger.Info().
			Str("source", doc.Source).
			Int("intents", len(doc.Intents)).
			Int("sent", summary.Sent).
			Msg("Intent document applied")
	}

	return summary, nil
}

func applyIntent(ctx context.Context, m Manager, in Intent, summary *Summary) error {
	fs := in.Flows
	if in.All {
		fs = nil
	}

	if len(in.Devices) == 0 {
		var (
			r   *engine.IntentResult
			err error
		)
		if in.Action == ActionInstall {
			r, err = m.InstallAll(ctx, fs)
		} else {
			r, err = m.DeleteAll(ctx, fs)
		}
		if err != nil {
			return err
		}
		summary.add(r)
		return nil
	}

	for _, dev := range in.Devices {
		var (
			r   *engine.IntentResult
			err error
		)
		if in.Action == ActionInstall {
			r, err = m.Install(ctx, dev, fs)
		} else {
			r, err = m.Delete(ctx, dev, fs)
		}
		if err != nil {
			return err
		}
		summary.add(r)
	}

	return nil
}
