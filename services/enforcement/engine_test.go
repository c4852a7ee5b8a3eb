package enforcement

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/screentime-engine/models"
	"github.com/upb/screentime-engine/repositories"
)

var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func testPolicy(level models.EnforcementLevel) *models.ScreenTimePolicy {
	p := models.DefaultPolicy(uuid.New())
	p.DailyLimitMinutes = 60
	p.SessionLimitMinutes = 0
	p.BreakAfterMinutes = 25
	p.EnforcementLevel = level
	p.WarningThresholds = []int{75, 90}
	p.ExemptActivityTypes = []string{"reading"}
	return p
}

func testUsage(daily, session int) *models.LearnerUsageState {
	key := models.UsageKey{TenantID: uuid.New(), LearnerID: uuid.New(), Date: "2026-03-02"}
	u := models.NewLearnerUsageState(key, now.Add(48*time.Hour))
	u.DailyUsedMinutes = daily
	u.CurrentSessionMinutes = session
	return u
}

func open() models.Availability {
	return models.Availability{IsWithin: true}
}

func withOverride(types ...models.OverrideType) *models.ActiveOverrides {
	active := &models.ActiveOverrides{}
	for _, t := range types {
		o := models.NewParentOverride(uuid.New(), uuid.New(), uuid.New(), t, now.Add(time.Hour))
		if t.RequiresMinutes() {
			m := 30
			o.AdditionalMinutes = &m
		}
		active.Overrides = append(active.Overrides, o)
	}
	return active
}

func effectKinds(d Decision) []EffectKind {
	kinds := make([]EffectKind, 0, len(d.Effects))
	for _, e := range d.Effects {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func TestDecide_Exempt(t *testing.T) {
	// Exempt activity is allowed even past every limit
	usage := testUsage(60, 40)
	d := Decide(Input{
		Policy:       testPolicy(models.EnforcementStrict),
		Usage:        usage,
		Availability: models.Availability{IsWithin: false},
		ActivityType: "reading",
		DeltaMinutes: 30,
		Now:          now,
	})

	assert.True(t, d.Allowed)
	assert.Equal(t, RuleExempt, d.Rule)
	assert.Equal(t, 0, d.Increment)
	assert.Nil(t, d.Action)
	assert.Empty(t, d.Effects)
}

func TestDecide_Permitted(t *testing.T) {
	d := Decide(Input{
		Policy:       testPolicy(models.EnforcementStrict),
		Usage:        testUsage(10, 10),
		Availability: open(),
		DeltaMinutes: 5,
		Now:          now,
	})

	assert.True(t, d.Allowed)
	assert.Equal(t, RulePermitted, d.Rule)
	assert.Equal(t, 5, d.Increment)
	assert.Equal(t, 60, d.Ceiling)
	assert.Nil(t, d.Action)
	assert.Empty(t, d.Effects)
}

func TestDecide_PermittedClearsStaleEnforcement(t *testing.T) {
	usage := testUsage(10, 0)
	usage.ActiveEnforcement = &models.EnforcementAction{Type: models.EnforcementSessionEnded, TriggeredAt: now.Add(-time.Hour)}

	d := Decide(Input{Policy: testPolicy(models.EnforcementStrict), Usage: usage, Availability: open(), DeltaMinutes: 5, Now: now})

	assert.True(t, d.Allowed)
	assert.Equal(t, []EffectKind{EffectClearEnforcement}, effectKinds(d))
}

func TestDecide_Rules(t *testing.T) {
	tests := []struct {
		name         string
		level        models.EnforcementLevel
		usage        *models.LearnerUsageState
		availability models.Availability
		overrides    *models.ActiveOverrides
		wantRule     Rule
		wantAllowed  bool
		wantType     models.EnforcementType
	}{
		{
			name:         "outside availability blocks under strict",
			level:        models.EnforcementStrict,
			usage:        testUsage(0, 0),
			availability: models.Availability{IsWithin: false},
			wantRule:     RuleOutsideAvailability,
			wantType:     models.EnforcementAccessBlocked,
		},
		{
			name:         "outside availability blocks under medium",
			level:        models.EnforcementMedium,
			usage:        testUsage(0, 0),
			availability: models.Availability{IsWithin: false},
			wantRule:     RuleOutsideAvailability,
			wantType:     models.EnforcementAccessBlocked,
		},
		{
			name:         "outside availability only warns under soft",
			level:        models.EnforcementSoft,
			usage:        testUsage(0, 0),
			availability: models.Availability{IsWithin: false},
			wantRule:     RuleOutsideAvailability,
			wantAllowed:  true,
			wantType:     models.EnforcementWarningDisplayed,
		},
		{
			name:         "bypass neutralizes availability",
			level:        models.EnforcementStrict,
			usage:        testUsage(0, 0),
			availability: models.Availability{IsWithin: false},
			overrides:    withOverride(models.OverrideBypassLimit),
			wantRule:     RulePermitted,
			wantAllowed:  true,
		},
		{
			name:         "daily limit ends the session",
			level:        models.EnforcementMedium,
			usage:        testUsage(60, 0),
			availability: open(),
			wantRule:     RuleDailyLimit,
			wantType:     models.EnforcementSessionEnded,
		},
		{
			name:         "bypass neutralizes daily limit",
			level:        models.EnforcementStrict,
			usage:        testUsage(60, 0),
			availability: open(),
			overrides:    withOverride(models.OverrideBypassLimit),
			wantRule:     RulePermitted,
			wantAllowed:  true,
		},
		{
			name:         "add time raises the ceiling",
			level:        models.EnforcementStrict,
			usage:        testUsage(60, 0),
			availability: open(),
			overrides:    withOverride(models.OverrideAddTime),
			wantRule:     RulePermitted,
			wantAllowed:  true,
		},
		{
			name:         "add time exhausted",
			level:        models.EnforcementStrict,
			usage:        testUsage(90, 0),
			availability: open(),
			overrides:    withOverride(models.OverrideAddTime),
			wantRule:     RuleDailyLimit,
			wantType:     models.EnforcementSessionEnded,
		},
		{
			name:         "break due blocks under strict",
			level:        models.EnforcementStrict,
			usage:        testUsage(30, 25),
			availability: open(),
			wantRule:     RuleBreakDue,
			wantType:     models.EnforcementBreakRequired,
		},
		{
			name:         "break due is advisory under medium",
			level:        models.EnforcementMedium,
			usage:        testUsage(30, 25),
			availability: open(),
			wantRule:     RuleBreakDue,
			wantAllowed:  true,
			wantType:     models.EnforcementBreakRequired,
		},
		{
			name:         "break due is a warning under soft",
			level:        models.EnforcementSoft,
			usage:        testUsage(30, 25),
			availability: open(),
			wantRule:     RuleBreakDue,
			wantAllowed:  true,
			wantType:     models.EnforcementWarningDisplayed,
		},
		{
			name:         "skip break neutralizes the break rule",
			level:        models.EnforcementStrict,
			usage:        testUsage(30, 25),
			availability: open(),
			overrides:    withOverride(models.OverrideSkipBreak),
			wantRule:     RulePermitted,
			wantAllowed:  true,
		},
		{
			name:         "skip break does not bypass the daily limit",
			level:        models.EnforcementStrict,
			usage:        testUsage(60, 40),
			availability: open(),
			overrides:    withOverride(models.OverrideSkipBreak),
			wantRule:     RuleDailyLimit,
			wantType:     models.EnforcementSessionEnded,
		},
		{
			name:         "bypass does not skip breaks",
			level:        models.EnforcementStrict,
			usage:        testUsage(30, 30),
			availability: open(),
			overrides:    withOverride(models.OverrideBypassLimit),
			wantRule:     RuleBreakDue,
			wantType:     models.EnforcementBreakRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(Input{
				Policy:       testPolicy(tt.level),
				Usage:        tt.usage,
				Availability: tt.availability,
				Overrides:    tt.overrides,
				DeltaMinutes: 10,
				Now:          now,
			})

			assert.Equal(t, tt.wantRule, d.Rule)
			assert.Equal(t, tt.wantAllowed, d.Allowed)
			assert.Equal(t, !tt.wantAllowed, d.Blocking)
			if tt.wantAllowed {
				assert.Equal(t, 10, d.Increment)
			} else {
				assert.Equal(t, 0, d.Increment)
			}
			if tt.wantType == "" {
				assert.Nil(t, d.Action)
			} else {
				require.NotNil(t, d.Action)
				assert.Equal(t, tt.wantType, d.Action.Type)
			}
		})
	}
}

func TestDecide_LevelsNeverBlockSoftAlwaysBlockStrict(t *testing.T) {
	triggers := map[string]Input{
		"availability": {Usage: testUsage(0, 0), Availability: models.Availability{IsWithin: false}},
		"daily limit":  {Usage: testUsage(60, 0), Availability: open()},
		"break":        {Usage: testUsage(30, 30), Availability: open()},
	}

	for name, in := range triggers {
		t.Run(name, func(t *testing.T) {
			soft := in
			soft.Policy = testPolicy(models.EnforcementSoft)
			soft.Now = now
			assert.True(t, Decide(soft).Allowed)

			strict := in
			strict.Policy = testPolicy(models.EnforcementStrict)
			strict.Now = now
			assert.False(t, Decide(strict).Allowed)
		})
	}
}

func TestDecide_BreakAdvisoryEmitsWarningOnce(t *testing.T) {
	policy := testPolicy(models.EnforcementMedium)
	usage := testUsage(30, 25)

	d := Decide(Input{Policy: policy, Usage: usage, Availability: open(), DeltaMinutes: 5, Now: now})
	require.Len(t, d.Warnings, 1)
	assert.Equal(t, models.WarningBreakNeeded, d.Warnings[0].Type)
	assert.Equal(t, []EffectKind{EffectSetEnforcement, EffectEmitEvent, EffectRecordWarning}, effectKinds(d))

	// Once the advisory action is active the next call repeats nothing
	usage.ActiveEnforcement = d.Action
	d = Decide(Input{Policy: policy, Usage: usage, Availability: open(), DeltaMinutes: 5, Now: now.Add(time.Minute)})
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Warnings)
	assert.Empty(t, d.Effects)
}

func TestDecide_NoBreakWarningWhenBlocking(t *testing.T) {
	d := Decide(Input{Policy: testPolicy(models.EnforcementStrict), Usage: testUsage(30, 25), Availability: open(), DeltaMinutes: 5, Now: now})

	assert.False(t, d.Allowed)
	assert.Empty(t, d.Warnings)
	assert.Equal(t, []EffectKind{EffectSetEnforcement, EffectEmitEvent}, effectKinds(d))
	assert.Equal(t, models.EventEnforcementApplied, d.Effects[1].Event.Type)
}

func TestDecide_BreakInProgress(t *testing.T) {
	policy := testPolicy(models.EnforcementStrict)
	usage := testUsage(30, 0)
	started := now.Add(-2 * time.Minute)
	usage.BreakActive = true
	usage.LastBreakAt = &started

	d := Decide(Input{Policy: policy, Usage: usage, Availability: open(), DeltaMinutes: 5, Now: now})
	assert.False(t, d.Allowed)
	assert.Equal(t, RuleBreakDue, d.Rule)
	require.NotNil(t, d.Action.ExpiresAt)
	assert.Equal(t, started.Add(5*time.Minute), *d.Action.ExpiresAt)

	// After the break duration the learner may resume
	d = Decide(Input{Policy: policy, Usage: usage, Availability: open(), DeltaMinutes: 5, Now: started.Add(6 * time.Minute)})
	assert.True(t, d.Allowed)
}

func TestDecide_BreakEndedEarly(t *testing.T) {
	started := now.Add(-time.Minute)
	usage := testUsage(30, 0)
	usage.LastBreakAt = &started

	// Strict breaks run their full duration even once ended
	d := Decide(Input{Policy: testPolicy(models.EnforcementStrict), Usage: usage, Availability: open(), DeltaMinutes: 5, Now: now})
	assert.False(t, d.Allowed)
	assert.Equal(t, RuleBreakDue, d.Rule)
	assert.Equal(t, "break in progress", d.Action.Reason)

	d = Decide(Input{Policy: testPolicy(models.EnforcementStrict), Usage: usage, Availability: open(), DeltaMinutes: 5, Now: started.Add(5 * time.Minute)})
	assert.True(t, d.Allowed)
	assert.Equal(t, RulePermitted, d.Rule)

	// Where breaks are advisory an ended break is over
	d = Decide(Input{Policy: testPolicy(models.EnforcementMedium), Usage: usage, Availability: open(), DeltaMinutes: 5, Now: now})
	assert.True(t, d.Allowed)
	assert.Equal(t, RulePermitted, d.Rule)
}

func TestDecide_SessionLimit(t *testing.T) {
	policy := testPolicy(models.EnforcementStrict)
	policy.BreakAfterMinutes = 0
	policy.SessionLimitMinutes = 20

	d := Decide(Input{Policy: policy, Usage: testUsage(20, 20), Availability: open(), DeltaMinutes: 5, Now: now})
	assert.False(t, d.Allowed)
	assert.Equal(t, RuleSessionLimit, d.Rule)
	assert.Equal(t, models.EnforcementSessionPaused, d.Action.Type)

	// ExtendSession raises the session limit by its minutes
	d = Decide(Input{Policy: policy, Usage: testUsage(20, 20), Availability: open(), Overrides: withOverride(models.OverrideExtendSession), DeltaMinutes: 5, Now: now})
	assert.True(t, d.Allowed)

	policy.EnforcementLevel = models.EnforcementMedium
	d = Decide(Input{Policy: policy, Usage: testUsage(20, 20), Availability: open(), DeltaMinutes: 5, Now: now})
	assert.True(t, d.Allowed)
	assert.Equal(t, models.EnforcementSessionPaused, d.Action.Type)
}

func TestDecide_AccessBlockedExpiresAtNextStart(t *testing.T) {
	next := now.Add(3 * time.Hour)
	d := Decide(Input{
		Policy:       testPolicy(models.EnforcementStrict),
		Usage:        testUsage(0, 0),
		Availability: models.Availability{IsWithin: false, NextStart: &next},
		Now:          now,
	})

	require.NotNil(t, d.Action)
	assert.Equal(t, &next, d.Action.ExpiresAt)
}

func TestDecide_DailyCeiling(t *testing.T) {
	policy := testPolicy(models.EnforcementStrict)

	assert.Equal(t, 60, Decide(Input{Policy: policy, Usage: testUsage(0, 0), Availability: open(), Now: now}).Ceiling)
	assert.Equal(t, 90, Decide(Input{Policy: policy, Usage: testUsage(0, 0), Availability: open(), Overrides: withOverride(models.OverrideAddTime), Now: now}).Ceiling)
	assert.Equal(t, repositories.Uncapped, Decide(Input{Policy: policy, Usage: testUsage(0, 0), Availability: open(), Overrides: withOverride(models.OverrideBypassLimit), Now: now}).Ceiling)
}

func TestSessionCeiling(t *testing.T) {
	policy := testPolicy(models.EnforcementStrict)
	assert.Equal(t, repositories.Uncapped, SessionCeiling(policy, nil), "no session limit")

	policy.SessionLimitMinutes = 45
	assert.Equal(t, 45, SessionCeiling(policy, nil))
	assert.Equal(t, 75, SessionCeiling(policy, withOverride(models.OverrideExtendSession)))

	d := Decide(Input{Policy: policy, Usage: testUsage(0, 40), Availability: open(), DeltaMinutes: 20, Now: now})
	assert.True(t, d.Allowed)
	assert.Equal(t, repositories.Ceiling{Daily: 60, Session: 45}, d.Limits())

	policy.EnforcementLevel = models.EnforcementMedium
	assert.Equal(t, repositories.Uncapped, SessionCeiling(policy, nil), "advisory session limit")
}

func TestApplyEnforcementLevel(t *testing.T) {
	all := []models.EnforcementType{
		models.EnforcementWarningDisplayed,
		models.EnforcementSessionPaused,
		models.EnforcementContentLocked,
		models.EnforcementBreakRequired,
		models.EnforcementSessionEnded,
		models.EnforcementAccessBlocked,
	}
	mediumBlocks := map[models.EnforcementType]bool{
		models.EnforcementContentLocked: true,
		models.EnforcementSessionEnded:  true,
		models.EnforcementAccessBlocked: true,
	}

	for _, typ := range all {
		action := &models.EnforcementAction{Type: typ, TriggeredAt: now, Reason: "r"}

		soft, blocking := ApplyEnforcementLevel(models.EnforcementSoft, action)
		assert.False(t, blocking, "soft %s", typ)
		assert.Equal(t, models.EnforcementWarningDisplayed, soft.Type)
		assert.Equal(t, "r", soft.Reason)

		medium, blocking := ApplyEnforcementLevel(models.EnforcementMedium, action)
		assert.Equal(t, mediumBlocks[typ], blocking, "medium %s", typ)
		assert.Equal(t, typ, medium.Type)

		strict, blocking := ApplyEnforcementLevel(models.EnforcementStrict, action)
		assert.Equal(t, typ != models.EnforcementWarningDisplayed, blocking, "strict %s", typ)
		assert.Equal(t, typ, strict.Type)

		// The proposed action is never modified in place
		assert.Equal(t, typ, action.Type)
	}

	capped, blocking := ApplyEnforcementLevel(models.EnforcementStrict, nil)
	assert.Nil(t, capped)
	assert.False(t, blocking)
}

func TestEvaluateThresholds(t *testing.T) {
	policy := testPolicy(models.EnforcementStrict)

	tests := []struct {
		name  string
		pre   int
		post  int
		fired []int
		want  []int
	}{
		{"below every threshold", 0, 20, nil, nil},
		{"just below 75", 20, 40, nil, nil},
		{"crosses both at once", 40, 60, nil, []int{75, 90}},
		{"exactly on the threshold fires", 40, 45, nil, []int{75}},
		{"pre on the threshold does not refire", 45, 50, nil, nil},
		{"already fired is skipped", 40, 60, []int{75}, []int{90}},
		{"no movement", 50, 50, nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EvaluateThresholds(policy, tt.pre, tt.post, tt.fired, now)
			var thresholds []int
			for _, w := range got {
				assert.Equal(t, models.WarningDailyLimitApproaching, w.Type)
				assert.Equal(t, now, w.TriggeredAt)
				thresholds = append(thresholds, w.Threshold)
			}
			assert.Equal(t, tt.want, thresholds)
		})
	}
}

func TestEvaluateThresholds_UnsortedAndZeroLimit(t *testing.T) {
	policy := testPolicy(models.EnforcementStrict)
	policy.WarningThresholds = []int{90, 50, 75}

	got := EvaluateThresholds(policy, 0, 60, nil, now)
	require.Len(t, got, 3)
	assert.Equal(t, 50, got[0].Threshold)
	assert.Equal(t, 90, got[2].Threshold)

	policy.DailyLimitMinutes = 0
	assert.Empty(t, EvaluateThresholds(policy, 0, 60, nil, now))
}

func TestRemainingMinutes_NeverNegative(t *testing.T) {
	policy := testPolicy(models.EnforcementStrict)

	assert.Equal(t, 60, RemainingMinutes(policy, testUsage(0, 0), nil))
	assert.Equal(t, 0, RemainingMinutes(policy, testUsage(75, 0), nil))
	assert.Equal(t, 15, RemainingMinutes(policy, testUsage(75, 0), withOverride(models.OverrideAddTime)))
}

func TestWarningEffects(t *testing.T) {
	usage := testUsage(0, 0)
	in := Input{Policy: testPolicy(models.EnforcementStrict), Usage: usage, SessionID: "tab-1", Now: now}
	warnings := EvaluateThresholds(in.Policy, 40, 60, nil, now)

	effects := WarningEffects(in, warnings)
	require.Len(t, effects, 2)
	for i, e := range effects {
		assert.Equal(t, EffectRecordWarning, e.Kind)
		assert.Equal(t, warnings[i].Threshold, e.Warning.Threshold)
		require.NotNil(t, e.Event)
		assert.Equal(t, models.EventWarningTriggered, e.Event.Type)
		assert.Equal(t, usage.LearnerID, *e.Event.LearnerID)
		assert.Equal(t, "tab-1", e.Event.SessionID)
		assert.Equal(t, now, e.Event.Timestamp)
	}
}
