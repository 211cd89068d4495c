package rabbitmq

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopology_QueueNaming(t *testing.T) {
	topo := Topology{Workflow: "checkout", Topics: []string{"order.reserved", "order.charged"}}

	assert.Equal(t, "sagaflow.checkout", topo.exchange())
	assert.Equal(t, "sagaflow.checkout.retry", topo.retryExchange())
	assert.Equal(t, "sagaflow.checkout.dlq", topo.dlqExchange())
	assert.Equal(t, "sagaflow.checkout.order.reserved", topo.Queue("order.reserved"))
}

func TestTopology_Info_MentionsEveryTopic(t *testing.T) {
	topo := Topology{Workflow: "checkout", Topics: []string{"order.reserved", "order.charged"}}
	info := topo.Info()

	assert.Contains(t, info, "order.reserved")
	assert.Contains(t, info, "order.charged")
	assert.Contains(t, info, "sagaflow.checkout.retry")
}
