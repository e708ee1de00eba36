package netgate

import (
	"context"
	"io"
	"log"
	"testing"
)

func TestCanSync(t *testing.T) {
	tests := []struct {
		name   string
		state  NetworkState
		policy Policy
		want   bool
	}{
		{
			name:  "unreachable blocks everything",
			state: NetworkState{Reachable: false, OnWiFi: true},
			want:  false,
		},
		{
			name:  "reachable with open policy",
			state: NetworkState{Reachable: true},
			want:  true,
		},
		{
			name:   "wifi only on cellular",
			state:  NetworkState{Reachable: true, OnWiFi: false},
			policy: Policy{WiFiOnly: true},
			want:   false,
		},
		{
			name:   "wifi only on wifi",
			state:  NetworkState{Reachable: true, OnWiFi: true},
			policy: Policy{WiFiOnly: true},
			want:   true,
		},
		{
			name:   "metered avoided",
			state:  NetworkState{Reachable: true, OnWiFi: true, Metered: true},
			policy: Policy{AvoidMetered: true},
			want:   false,
		},
		{
			name:   "metered allowed by default",
			state:  NetworkState{Reachable: true, OnWiFi: true, Metered: true},
			want:   true,
		},
		{
			name:   "both flags, both satisfied",
			state:  NetworkState{Reachable: true, OnWiFi: true, Metered: false},
			policy: Policy{WiFiOnly: true, AvoidMetered: true},
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(Always(tt.state), tt.policy, log.New(io.Discard, "", 0))
			if got := g.CanSync(context.Background()); got != tt.want {
				t.Errorf("CanSync = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSetPolicyTakesEffect(t *testing.T) {
	g := New(Always(NetworkState{Reachable: true, OnWiFi: false}),
		Policy{}, log.New(io.Discard, "", 0))

	if !g.CanSync(context.Background()) {
		t.Fatal("open policy should allow sync")
	}

	g.SetPolicy(Policy{WiFiOnly: true})
	if g.CanSync(context.Background()) {
		t.Error("wifi-only policy should block a cellular link")
	}
	if got := g.Policy(); !got.WiFiOnly {
		t.Errorf("Policy = %+v, want WiFiOnly", got)
	}
}
