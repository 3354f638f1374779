package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/angelmondragon/storefront-fulfillment/pkg/config"
)

func TestTopicResourceName(t *testing.T) {
	assert.Equal(t, "projects/p1/topics/orders", topicResourceName("p1", " orders "))
	assert.Equal(t, "projects/other/topics/x", topicResourceName("p1", "projects/other/topics/x"))
	assert.Empty(t, topicResourceName("", "orders"))
	assert.Empty(t, topicResourceName("p1", ""))
}

func TestTopicNamesSkipsBlank(t *testing.T) {
	names := topicNames(config.PubSubConfig{OrdersTopic: "orders", FulfillmentTopic: "  "})
	assert.Equal(t, []string{"orders"}, names)
}

func TestNilClientPublisher(t *testing.T) {
	var c *Client
	assert.Nil(t, c.Publisher("orders"))
	assert.NoError(t, c.Close())
	assert.Error(t, c.Ping(context.Background()))
}
