package activation

import (
	"strconv"
	"testing"
)

func envOf(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestCount(t *testing.T) {
	const pid = 4242
	self := strconv.Itoa(pid)

	tests := []struct {
		name    string
		env     map[string]string
		want    int
		wantErr bool
	}{
		{name: "no environment", env: nil, want: 0},
		{name: "other process", env: map[string]string{"LISTEN_PID": "99999", "LISTEN_FDS": "1"}, want: 0},
		{name: "invalid pid", env: map[string]string{"LISTEN_PID": "not-a-number", "LISTEN_FDS": "1"}, wantErr: true},
		{name: "invalid fds", env: map[string]string{"LISTEN_PID": self, "LISTEN_FDS": "not-a-number"}, wantErr: true},
		{name: "pid without fds", env: map[string]string{"LISTEN_PID": self}, want: 0},
		{name: "zero fds", env: map[string]string{"LISTEN_PID": self, "LISTEN_FDS": "0"}, want: 0},
		{name: "activated", env: map[string]string{"LISTEN_PID": self, "LISTEN_FDS": "2"}, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := count(envOf(tt.env), pid)
			if (err != nil) != tt.wantErr {
				t.Fatalf("count() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("count() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestListeners_NotActivated(t *testing.T) {
	lns, err := listeners(envOf(map[string]string{"LISTEN_PID": "99999", "LISTEN_FDS": "1"}), 1)
	if err != nil {
		t.Fatalf("listeners() unexpected error: %v", err)
	}
	if lns != nil {
		t.Errorf("expected nil listeners when PID doesn't match, got %v", lns)
	}
}

func TestListen_FallsBackToAddress(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	ln, activated, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() unexpected error: %v", err)
	}
	defer func() {
		_ = ln.Close()
	}()

	if activated {
		t.Error("expected a plain listener without socket activation")
	}
	if ln.Addr().Network() != "tcp" {
		t.Errorf("expected tcp listener, got %s", ln.Addr().Network())
	}
}

func TestListen_InvalidAddress(t *testing.T) {
	t.Setenv("LISTEN_PID", "")

	if _, _, err := Listen("not-an-address"); err == nil {
		t.Error("expected error for invalid listen address")
	}
}
