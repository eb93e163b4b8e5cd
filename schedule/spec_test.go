package schedule_test

import (
	"testing"
	"time"

	"github.com/workloom/loom/schedule"
)

func TestSpecValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		spec    schedule.Spec
		wantErr bool
	}{
		{
			name: "valid five field cron",
			spec: schedule.Spec{Kind: schedule.KindCron, Cron: "*/5 * * * *"},
		},
		{
			name: "valid descriptor",
			spec: schedule.Spec{Kind: schedule.KindCron, Cron: "@every 30s"},
		},
		{
			name: "cron with timezone",
			spec: schedule.Spec{Kind: schedule.KindCron, Cron: "0 9 * * 1", Timezone: "America/New_York"},
		},
		{
			name:    "invalid cron expression",
			spec:    schedule.Spec{Kind: schedule.KindCron, Cron: "not a cron"},
			wantErr: true,
		},
		{
			name:    "invalid timezone",
			spec:    schedule.Spec{Kind: schedule.KindCron, Cron: "* * * * *", Timezone: "Mars/Olympus"},
			wantErr: true,
		},
		{
			name: "valid interval",
			spec: schedule.Spec{Kind: schedule.KindInterval, Every: time.Minute},
		},
		{
			name:    "zero interval",
			spec:    schedule.Spec{Kind: schedule.KindInterval},
			wantErr: true,
		},
		{
			name:    "negative interval",
			spec:    schedule.Spec{Kind: schedule.KindInterval, Every: -time.Second},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			spec:    schedule.Spec{Kind: "lunar"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSpecNextCron(t *testing.T) {
	t.Parallel()

	spec := schedule.Spec{Kind: schedule.KindCron, Cron: "0 * * * *"} // Top of each hour.
	after := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

	next, err := spec.Next(after)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestSpecNextCronTimezone(t *testing.T) {
	t.Parallel()

	// 09:00 New York is 14:00 UTC in March (EST, before DST switch).
	spec := schedule.Spec{Kind: schedule.KindCron, Cron: "0 9 * * *", Timezone: "America/New_York"}
	after := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	next, err := spec.Next(after)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	if !next.UTC().Equal(want) {
		t.Fatalf("next = %v, want %v", next.UTC(), want)
	}
}

func TestSpecNextInterval(t *testing.T) {
	t.Parallel()

	spec := schedule.Spec{Kind: schedule.KindInterval, Every: 15 * time.Minute}
	after := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	next, err := spec.Next(after)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !next.Equal(after.Add(15 * time.Minute)) {
		t.Fatalf("next = %v", next)
	}
}

func TestOccurrencesOverlapPolicies(t *testing.T) {
	t.Parallel()

	anchor := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	now := anchor.Add(3*time.Minute + 30*time.Second)

	tests := []struct {
		name    string
		overlap schedule.OverlapPolicy
		want    []time.Time
	}{
		{
			name:    "allow catches up every miss",
			overlap: schedule.OverlapAllow,
			want: []time.Time{
				anchor.Add(time.Minute),
				anchor.Add(2 * time.Minute),
				anchor.Add(3 * time.Minute),
			},
		},
		{
			name:    "skip keeps only the latest",
			overlap: schedule.OverlapSkip,
			want:    []time.Time{anchor.Add(3 * time.Minute)},
		},
		{
			name:    "default is skip",
			overlap: "",
			want:    []time.Time{anchor.Add(3 * time.Minute)},
		},
		{
			name:    "cancel_previous selects like skip",
			overlap: schedule.OverlapCancelPrevious,
			want:    []time.Time{anchor.Add(3 * time.Minute)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := schedule.Spec{
				Kind: schedule.KindInterval, Every: time.Minute, Overlap: tt.overlap,
			}
			got, err := spec.Occurrences(anchor, now)
			if err != nil {
				t.Fatalf("Occurrences: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d occurrences, want %d: %v", len(got), len(tt.want), got)
			}
			for i := range tt.want {
				if !got[i].Equal(tt.want[i]) {
					t.Fatalf("occurrence %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestOccurrencesNothingDue(t *testing.T) {
	t.Parallel()

	anchor := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	spec := schedule.Spec{Kind: schedule.KindInterval, Every: time.Hour, Overlap: schedule.OverlapAllow}

	got, err := spec.Occurrences(anchor, anchor.Add(time.Minute))
	if err != nil {
		t.Fatalf("Occurrences: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no occurrences, got %v", got)
	}
}

func TestAnchor(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := &schedule.Schedule{CreatedAt: created}
	if !s.Anchor().Equal(created) {
		t.Fatalf("anchor before first fire = %v, want CreatedAt", s.Anchor())
	}

	fired := created.Add(time.Hour)
	s.LastOccurrence = &fired
	if !s.Anchor().Equal(fired) {
		t.Fatalf("anchor after fire = %v, want LastOccurrence", s.Anchor())
	}
}
