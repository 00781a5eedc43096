package logx

import (
	"fmt"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

type recordingLog struct {
	logs.Log
	lines []string
}

func (r *recordingLog) Infof(format string, a ...any) {
	r.lines = append(r.lines, fmt.Sprintf(format, a...))
}

func (r *recordingLog) Errorf(format string, a ...any) {
	r.lines = append(r.lines, "E "+fmt.Sprintf(format, a...))
}

func TestPrefixLogger(t *testing.T) {
	rec := &recordingLog{Log: logs.NewTestingLog(t)}
	l := NewPrefixLogger(rec, "Control:")
	l.Infof("Session %v started", 3)
	l.Errorf("Bad %v", "thing")
	l.Debugf("goes to the testing log")
	require.Equal(t, []string{"Control: Session 3 started", "E Control: Bad thing"}, rec.lines)
}
