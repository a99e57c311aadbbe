package server

import (
	"testing"
	"time"
)

func TestNextCronRun(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 7, 30, 0, time.UTC)
	tests := []struct {
		name    string
		expr    string
		want    time.Time
		wantErr bool
	}{
		{name: "every five minutes", expr: "*/5 * * * *", want: time.Date(2026, 3, 14, 10, 10, 0, 0, time.UTC)},
		{name: "daily at midnight", expr: "0 0 * * *", want: time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)},
		{name: "descriptor", expr: "@hourly", want: time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC)},
		{name: "surrounding whitespace", expr: "  30 10 * * *  ", want: time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)},
		{name: "empty", expr: " ", wantErr: true},
		{name: "timezone prefix", expr: "CRON_TZ=Europe/Paris 0 9 * * *", wantErr: true},
		{name: "seconds field", expr: "0 */5 * * * *", wantErr: true},
		{name: "garbage", expr: "every tuesday", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextCronRun(tt.expr, base)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NextCronRun(%q) = %v, want error", tt.expr, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("NextCronRun(%q) error = %v", tt.expr, err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("NextCronRun(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestNextCronRun_ConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	local := time.Date(2026, 3, 14, 12, 0, 0, 0, loc) // 10:00 UTC
	got, err := NextCronRun("0 11 * * *", local)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
