package metric

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuildTag(t *testing.T) {
	tags := BuildTag(NewTag(TagPath, "/group"), NewTag(TagOperation, "refresh"))
	assert.Equal(t, []string{"path:/group", "operation:refresh"}, tags)
	assert.Equal(t, []string{"path:/g", "operation:getdata"}, OperationTags("/g", "GetData"))
}

func TestEmitWithoutInit(t *testing.T) {
	assert.NotPanics(t, func() {
		Incr(OperationCount, OperationTags("/g", "refresh"))
		Gauge(GroupMembers, 3, nil)
		Timing(OperationLatency, time.Millisecond, nil)
		TimingWithStart(OperationLatency, time.Now(), nil)
	})
}
