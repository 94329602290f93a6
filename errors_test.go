package clusterdb

import (
	"errors"
	"io"
	"testing"
)

func TestError(t *testing.T) {
	err := internalError("flush", io.ErrUnexpectedEOF)
	if got := err.Error(); got != "clusterdb: flush: internal error: unexpected EOF" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, ErrInternal) || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("errors.Is must match the code and the cause")
	}
	if errors.Is(err, ErrConfig) {
		t.Error("matched another code")
	}
	e := newError(CodeLockConflict, "save", "record locked").WithDetail("id", 3)
	if e.Code() != CodeLockConflict || e.Op() != "save" || e.Details()["id"] != 3 {
		t.Errorf("unexpected error %#v", e)
	}
	if got := configError("", "bad").Error(); got != "clusterdb: bad" {
		t.Errorf("Error() = %q", got)
	}
}
