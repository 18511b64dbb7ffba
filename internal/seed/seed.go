// Package seed loads demo battles and wallet balances from a YAML file.
package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/moneymouth/battle-engine/internal/model"
	"github.com/moneymouth/battle-engine/internal/store"
	"github.com/moneymouth/battle-engine/internal/wallet"
)

// Duration is a time.Duration written as "45m" or "2h" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Side describes one side of a seeded battle.
type Side struct {
	Label       string `yaml:"label"`
	Beneficiary string `yaml:"beneficiary"`
}

// Battle is one seeded battle. Expiry is relative to the time the seed is
// applied.
type Battle struct {
	ID          string   `yaml:"id"`
	Question    string   `yaml:"question"`
	Description string   `yaml:"description"`
	ExpiresIn   Duration `yaml:"expires_in"`
	SideA       Side     `yaml:"side_a"`
	SideB       Side     `yaml:"side_b"`
}

// Wallet is an opening deposit for a participant.
type Wallet struct {
	ParticipantID string `yaml:"participant_id"`
	Deposit       int64  `yaml:"deposit"`
}

// File is the seed document.
type File struct {
	Battles []Battle `yaml:"battles"`
	Wallets []Wallet `yaml:"wallets"`
}

// Parse decodes and validates a seed document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadFile reads and parses the seed file at path.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return Parse(data)
}

func (f *File) validate() error {
	var errs []error
	seen := make(map[string]bool)
	for i, b := range f.Battles {
		if strings.TrimSpace(b.Question) == "" {
			errs = append(errs, fmt.Errorf("battle %d: question is required", i))
		}
		if b.ExpiresIn <= 0 {
			errs = append(errs, fmt.Errorf("battle %d: expires_in must be positive", i))
		}
		if b.SideA.Beneficiary == "" || b.SideB.Beneficiary == "" {
			errs = append(errs, fmt.Errorf("battle %d: both sides need a beneficiary", i))
		}
		if b.ID != "" {
			if seen[b.ID] {
				errs = append(errs, fmt.Errorf("battle %d: duplicate id %q", i, b.ID))
			}
			seen[b.ID] = true
		}
	}
	for i, w := range f.Wallets {
		if w.ParticipantID == "" || w.Deposit <= 0 {
			errs = append(errs, fmt.Errorf("wallet %d: participant_id and a positive deposit are required", i))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", model.ErrValidation, err)
	}
	return nil
}

// Build turns the seeded battles into OPEN battles created at now.
func (f *File) Build(now time.Time) []*model.Battle {
	out := make([]*model.Battle, 0, len(f.Battles))
	for _, b := range f.Battles {
		id := b.ID
		if id == "" {
			id = uuid.New().String()
		}
		out = append(out, &model.Battle{
			ID:          id,
			Question:    b.Question,
			Description: b.Description,
			SideA:       model.Side{ID: model.SideA, Label: b.SideA.Label, Beneficiary: b.SideA.Beneficiary},
			SideB:       model.Side{ID: model.SideB, Label: b.SideB.Label, Beneficiary: b.SideB.Beneficiary},
			Status:      model.StatusOpen,
			CreatedAt:   now,
			ExpiresAt:   now.Add(time.Duration(b.ExpiresIn)),
		})
	}
	return out
}

// Result counts what Apply wrote.
type Result struct {
	BattlesCreated int
	BattlesSkipped int
	WalletsFunded  int
}

// Apply creates the seeded battles and opening deposits. Battles that
// already exist and wallets that already have history are left alone, so
// applying the same seed on every start is safe.
func Apply(ctx context.Context, st store.Store, ledger *wallet.Ledger, f *File, now time.Time, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var res Result
	for _, b := range f.Build(now) {
		err := st.CreateBattle(ctx, b)
		switch {
		case errors.Is(err, model.ErrAlreadyExists):
			res.BattlesSkipped++
			continue
		case err != nil:
			return res, fmt.Errorf("seed battle %s: %w", b.ID, err)
		}
		res.BattlesCreated++
		logger.Info("seeded battle", "id", b.ID, "question", b.Question, "expires_at", b.ExpiresAt)
	}

	for _, w := range f.Wallets {
		history, err := ledger.History(ctx, w.ParticipantID)
		if err != nil {
			return res, fmt.Errorf("seed wallet %s: %w", w.ParticipantID, err)
		}
		if len(history) > 0 {
			continue
		}
		if _, err := ledger.Deposit(ctx, w.ParticipantID, w.Deposit); err != nil {
			return res, fmt.Errorf("seed wallet %s: %w", w.ParticipantID, err)
		}
		res.WalletsFunded++
	}
	return res, nil
}
