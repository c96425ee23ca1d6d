package waterfall_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/waterfall-engine/waterfall"
)

func TestValidateConfig_ReferenceAgreementsAreValid(t *testing.T) {
	for name, cfg := range map[string]waterfall.AgreementConfig{
		"investor recoup": investorRecoup(),
		"creator split":   creatorSplit(),
		"last money out":  lastMoneyOut(),
	} {
		t.Run(name, func(t *testing.T) {
			warnings, err := waterfall.ValidateConfig(cfg)
			require.NoError(t, err)
			assert.Empty(t, warnings)
		})
	}
}

func TestValidateConfig_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*waterfall.AgreementConfig)
		wantErr error
	}{
		{
			name:    "duplicate order",
			mutate:  func(c *waterfall.AgreementConfig) { c.Terms[1].Order = c.Terms[0].Order },
			wantErr: waterfall.ErrDuplicateOrder,
		},
		{
			name:    "unknown share type",
			mutate:  func(c *waterfall.AgreementConfig) { c.Terms[0].ShareType = "royalty" },
			wantErr: waterfall.ErrUnknownShareType,
		},
		{
			name:    "percentage above 100",
			mutate:  func(c *waterfall.AgreementConfig) { c.Terms[0].ShareValue = dec("100.5") },
			wantErr: waterfall.ErrInvalidShareValue,
		},
		{
			name:    "negative percentage",
			mutate:  func(c *waterfall.AgreementConfig) { c.Terms[0].ShareValue = dec("-1") },
			wantErr: waterfall.ErrInvalidShareValue,
		},
		{
			name:    "unknown party",
			mutate:  func(c *waterfall.AgreementConfig) { c.Terms[0].PartyID = "ghost" },
			wantErr: waterfall.ErrInvalidTerm,
		},
		{
			name:    "negative cap",
			mutate:  func(c *waterfall.AgreementConfig) { c.Terms[0].CapCents = centsPtr(-5) },
			wantErr: waterfall.ErrInvalidTerm,
		},
		{
			name:    "zero cap multiplier",
			mutate:  func(c *waterfall.AgreementConfig) { c.Terms[0].CapMultiplier = decPtr("0") },
			wantErr: waterfall.ErrInvalidTerm,
		},
		{
			name:    "unknown period type",
			mutate:  func(c *waterfall.AgreementConfig) { c.Agreement.PeriodConfig.Type = "weekly" },
			wantErr: waterfall.ErrInvalidAgreement,
		},
		{
			name:    "missing agreement id",
			mutate:  func(c *waterfall.AgreementConfig) { c.Agreement.ID = "" },
			wantErr: waterfall.ErrInvalidAgreement,
		},
		{
			name:    "negative contribution",
			mutate:  func(c *waterfall.AgreementConfig) { c.Parties[0].ContributionCents = -1 },
			wantErr: waterfall.ErrInvalidAgreement,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := creatorSplit()
			tt.mutate(&cfg)

			_, err := waterfall.ValidateConfig(cfg)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, waterfall.IsClientError(err))

			var cfgErr *waterfall.ConfigError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestValidateConfig_RecoupedBeyondTarget(t *testing.T) {
	cfg := investorRecoup()
	cfg.Terms[0].RecoupedCents = 150_001

	_, err := waterfall.ValidateConfig(cfg)
	assert.ErrorIs(t, err, waterfall.ErrInvalidTerm)
}

func TestValidateConfig_ReportsEveryProblem(t *testing.T) {
	// GIVEN: Two unrelated problems
	cfg := creatorSplit()
	cfg.Terms[1].Order = cfg.Terms[0].Order
	cfg.Terms[0].ShareValue = dec("150")

	// WHEN: Validated
	_, err := waterfall.ValidateConfig(cfg)

	// THEN: Both are reported
	assert.ErrorIs(t, err, waterfall.ErrDuplicateOrder)
	assert.ErrorIs(t, err, waterfall.ErrInvalidShareValue)
}

func TestValidateConfig_Warnings(t *testing.T) {
	t.Run("first dollar above 100%", func(t *testing.T) {
		cfg := creatorSplit()
		cfg.Terms[0].ShareValue = dec("60")

		warnings, err := waterfall.ValidateConfig(cfg)
		require.NoError(t, err)
		require.Len(t, warnings, 1)
		assert.Contains(t, warnings[0], "110")
	})

	t.Run("last money out not last", func(t *testing.T) {
		cfg := lastMoneyOut()
		cfg.Terms[1].Order = 0

		warnings, err := waterfall.ValidateConfig(cfg)
		require.NoError(t, err)
		require.Len(t, warnings, 1)
		assert.Contains(t, warnings[0], "distributor-tail")
	})

	t.Run("negative orders after a term without id", func(t *testing.T) {
		cfg := lastMoneyOut()
		cfg.Terms[0].Order = -2
		cfg.Terms[1].Order = -1
		cfg.Terms = append([]waterfall.Term{term("", "investor", 5, waterfall.ShareFixedRecoup, "0")}, cfg.Terms...)

		warnings, err := waterfall.ValidateConfig(cfg)
		require.ErrorIs(t, err, waterfall.ErrInvalidTerm)
		assert.Empty(t, warnings, "tail is the highest order among valid terms")
	})
}

func TestPeriodConfig_PeriodFor(t *testing.T) {
	date := waterfall.NewTimePoint(2024, time.May, 17)

	monthly := waterfall.PeriodConfig{Type: waterfall.PeriodMonthly}.PeriodFor(date)
	assert.Equal(t, "2024-05-01", monthly.Start.String())
	assert.Equal(t, "2024-05-31", monthly.End.String())

	quarterly := waterfall.PeriodConfig{Type: waterfall.PeriodQuarterly}.PeriodFor(date)
	assert.Equal(t, "2024-04-01", quarterly.Start.String())
	assert.Equal(t, "2024-06-30", quarterly.End.String())

	yearly := waterfall.PeriodConfig{Type: waterfall.PeriodCalendarYear}.PeriodFor(date)
	assert.Equal(t, "2024-01-01", yearly.Start.String())
	assert.Equal(t, "2024-12-31", yearly.End.String())

	feb := waterfall.PeriodConfig{Type: waterfall.PeriodMonthly}.NextPeriod(month(2024, time.January))
	assert.Equal(t, "2024-02-29", feb.End.String(), "leap year")
}

func TestPeriod_ClosedAsOf(t *testing.T) {
	jan := month(2024, time.January)

	assert.False(t, jan.ClosedAsOf(waterfall.NewTimePoint(2024, time.January, 31)), "last day is still open")
	assert.True(t, jan.ClosedAsOf(waterfall.NewTimePoint(2024, time.February, 1)))
	assert.Equal(t, "2024-01-01", jan.Key())
}
