package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindMatching(t *testing.T) {
	cases := []struct {
		err  error
		want error
		kind Kind
	}{
		{Auth("sign", errors.New("empty secret")), ErrAuth, KindAuth},
		{Connect("dial", nil), ErrConnect, KindConnect},
		{Send("write", errors.New("broken pipe")), ErrSend, KindSend},
		{Protocol("decode", errors.New("bad json")), ErrProtocol, KindProtocol},
		{Server(4003, "illegal access"), ErrServer, KindServer},
	}

	for _, c := range cases {
		t.Run(c.kind.String(), func(t *testing.T) {
			if !errors.Is(c.err, c.want) {
				t.Errorf("errors.Is(%v, %v) = false", c.err, c.want)
			}
			if got := KindOf(c.err); got != c.kind {
				t.Errorf("KindOf = %v, want %v", got, c.kind)
			}
			wrapped := fmt.Errorf("session: %w", c.err)
			if !errors.Is(wrapped, c.want) {
				t.Errorf("wrapped error lost its kind")
			}
		})
	}
}

func TestKindsDoNotCrossMatch(t *testing.T) {
	err := Send("write", errors.New("reset"))
	if errors.Is(err, ErrConnect) {
		t.Error("send error should not match ErrConnect")
	}
}

func TestUnwrapKeepsCause(t *testing.T) {
	cause := errors.New("root cause")
	err := Protocol("encode", cause)
	if !errors.Is(err, cause) {
		t.Error("cause should be reachable through Unwrap")
	}
}

func TestServerMessage(t *testing.T) {
	err := Server(4003, "")
	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatal("expected *Error")
	}
	if fe.Code != 4003 {
		t.Errorf("Code = %d, want 4003", fe.Code)
	}
	if got := err.Error(); got != "server: code 4003: no reason given" {
		t.Errorf("Error() = %q", got)
	}
}

func TestKindOfPlainError(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != 0 {
		t.Errorf("KindOf(plain) = %v, want 0", got)
	}
}
