package message

import (
	"testing"

	"github.com/pkg/errors"
)

func TestSplitServiceMethod(t *testing.T) {
	service, method, err := SplitServiceMethod("Hello.Hello")
	if err != nil {
		t.Fatal(err)
	}
	if service != "Hello" || method != "Hello" {
		t.Fatalf("got %q.%q", service, method)
	}

	for _, bad := range []string{"", "Hello", ".Hello", "Hello.", "a.b.c"} {
		if _, _, err := SplitServiceMethod(bad); errors.Cause(err) != ErrBadServiceMethod {
			t.Errorf("%q: expect ErrBadServiceMethod, got %v", bad, err)
		}
	}
}

func TestErrorReply(t *testing.T) {
	m := ErrorReply("Hello.Hello", "boom")
	if !m.Failed() {
		t.Fatal("expect Failed() for an error reply")
	}
	if (&RPCMessage{Payload: []byte("{}")}).Failed() {
		t.Fatal("a reply without Error must not be Failed()")
	}
}
