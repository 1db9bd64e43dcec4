package roster

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"campaign-loop/internal/campaign"
)

// Amount is a decimal that accepts both quoted and bare YAML numbers.
type Amount struct {
	decimal.Decimal
}

// UnmarshalYAML parses the scalar form.
func (a *Amount) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: amount must be a scalar", value.Line)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("line %d: invalid amount %q", value.Line, value.Value)
	}
	a.Decimal = d
	return nil
}

// Entry is one managed campaign in the roster file.
type Entry struct {
	ID             string          `yaml:"id"`
	DailyBudget    Amount          `yaml:"daily_budget"`
	MaxDailyBudget *Amount         `yaml:"max_daily_budget"`
	Status         campaign.Status `yaml:"status"`
}

// Roster lists the campaigns the controller manages.
type Roster struct {
	Campaigns []Entry `yaml:"campaigns"`
}

// Seeder registers campaigns that are not yet known.
type Seeder interface {
	Seed(ctx context.Context, st campaign.State) (bool, error)
}

// Load reads and validates a roster file.
func Load(path string) (Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Roster{}, fmt.Errorf("read roster file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates roster YAML.
func Parse(data []byte) (Roster, error) {
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Roster{}, fmt.Errorf("parse roster: %w", err)
	}
	if err := r.Validate(); err != nil {
		return Roster{}, err
	}
	return r, nil
}

// Validate checks ids, budgets and statuses.
func (r Roster) Validate() error {
	seen := make(map[string]struct{}, len(r.Campaigns))
	for i, e := range r.Campaigns {
		if strings.TrimSpace(e.ID) == "" {
			return fmt.Errorf("roster entry %d: id is required", i)
		}
		if _, dup := seen[e.ID]; dup {
			return fmt.Errorf("roster entry %d: duplicate campaign %q", i, e.ID)
		}
		seen[e.ID] = struct{}{}

		if e.DailyBudget.IsNegative() {
			return fmt.Errorf("campaign %s: daily budget cannot be negative", e.ID)
		}
		if e.MaxDailyBudget != nil && e.MaxDailyBudget.LessThan(e.DailyBudget.Decimal) {
			return fmt.Errorf("campaign %s: max daily budget %s below daily budget %s", e.ID, e.MaxDailyBudget, e.DailyBudget)
		}
		switch e.Status {
		case "", campaign.StatusActive, campaign.StatusPaused:
		default:
			return fmt.Errorf("campaign %s: roster status must be active or paused, got %q", e.ID, e.Status)
		}
	}
	return nil
}

// States converts the roster into initial campaign states.
func (r Roster) States() []campaign.State {
	out := make([]campaign.State, 0, len(r.Campaigns))
	for _, e := range r.Campaigns {
		st := campaign.State{
			CampaignID:  e.ID,
			Status:      e.Status,
			DailyBudget: e.DailyBudget.Decimal,
		}
		if st.Status == "" {
			st.Status = campaign.StatusActive
		}
		if e.MaxDailyBudget != nil {
			st.MaxDailyBudget = e.MaxDailyBudget.Decimal
		}
		out = append(out, st)
	}
	return out
}

// Apply seeds every roster campaign. Campaigns already under management keep
// their persisted state.
func (r Roster) Apply(ctx context.Context, store Seeder, logger zerolog.Logger) (int, error) {
	log := logger.With().Str("component", "roster").Logger()
	added := 0
	for _, st := range r.States() {
		created, err := store.Seed(ctx, st)
		if err != nil {
			return added, fmt.Errorf("seed campaign %s: %w", st.CampaignID, err)
		}
		if created {
			added++
			log.Info().
				Str("campaign_id", st.CampaignID).
				Str("daily_budget", st.DailyBudget.String()).
				Msg("campaign registered")
		}
	}
	log.Debug().Int("campaigns", len(r.Campaigns)).Int("added", added).Msg("roster applied")
	return added, nil
}
