package mesh

import (
	"bytes"
	"compress/zlib"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPairsConfig() *Config {
	url := "http://maps.local/dock.json"
	return &Config{
		MQTT: MQTTConfig{Broker: "tcp://localhost:1883", PublishPrefix: "cloudmesh"},
		Pairs: []PairConfig{
			{ID: "arm", SourceTopic: "robot/arm/cloud", TargetTopic: "robot/base/cloud"},
			{ID: "lidar", SourceTopic: "robot/lidar/cloud", TargetTopic: "robot/base/cloud"},
			{ID: "dock", SourceTopic: "robot/dock/cloud", TargetURL: &url},
		},
	}
}

func TestInitMQTT_Disabled(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	config := &Config{
		Pairs: []PairConfig{{ID: "arm", SourceTopic: "a", TargetTopic: "b"}},
	}

	client, err := InitMQTT(config, func(string, *CloudDocument, error) {})
	assert.NoError(t, err)
	assert.Nil(t, client)
}

func TestInitMQTT_NoPairs(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	config := &Config{MQTT: MQTTConfig{Broker: "tcp://localhost:1883"}}

	_, err := InitMQTT(config, func(string, *CloudDocument, error) {})
	assert.Error(t, err)
}

func TestEnvOr(t *testing.T) {
	t.Setenv("CLOUDMESH_TEST_VALUE", "")
	assert.Equal(t, "fallback", envOr("CLOUDMESH_TEST_VALUE", "", "fallback"))
	assert.Equal(t, "", envOr("CLOUDMESH_TEST_VALUE"))

	t.Setenv("CLOUDMESH_TEST_VALUE", "env")
	assert.Equal(t, "env", envOr("CLOUDMESH_TEST_VALUE", "fallback"))
}

func TestMQTTClient_IsConnected(t *testing.T) {
	client := &MQTTClient{}
	assert.False(t, client.IsConnected(), "New client should not be connected")

	client.setConnected(true)
	assert.True(t, client.IsConnected())

	client.setConnected(false)
	assert.False(t, client.IsConnected())
}

func TestMQTTClient_Topics(t *testing.T) {
	client := &MQTTClient{config: testPairsConfig()}

	assert.Equal(t, []string{
		"robot/arm/cloud",
		"robot/base/cloud",
		"robot/dock/cloud",
		"robot/lidar/cloud",
	}, client.Topics())
}

func TestOnConnect_Subscriptions(t *testing.T) {
	mockClient := NewMockClient()
	client := newMQTTClientWithMock(mockClient, testPairsConfig(), nil)

	client.onConnect(mockClient)

	assert.True(t, client.IsConnected())
	assert.ElementsMatch(t, []string{
		"robot/arm/cloud",
		"robot/base/cloud",
		"robot/dock/cloud",
		"robot/lidar/cloud",
		"cloudmesh/+/register",
	}, mockClient.Subscriptions())
}

func TestCloudHandler_DecodesPayloads(t *testing.T) {
	var compressed bytes.Buffer
	w := zlib.NewWriter(&compressed)
	_, _ = w.Write([]byte(sampleCloudJSON))
	require.NoError(t, w.Close())

	tests := []struct {
		name     string
		payload  []byte
		wantErr  bool
		wantSize int
	}{
		{name: "raw JSON", payload: []byte(sampleCloudJSON), wantSize: 4},
		{name: "zlib JSON", payload: compressed.Bytes(), wantSize: 4},
		{name: "garbage", payload: []byte("not a cloud"), wantErr: true},
		{name: "empty", payload: []byte{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotTopic string
			var gotDoc *CloudDocument
			var gotErr error
			handler := func(topic string, doc *CloudDocument, err error) {
				gotTopic, gotDoc, gotErr = topic, doc, err
			}

			mockClient := NewMockClient()
			client := newMQTTClientWithMock(mockClient, testPairsConfig(), handler)
			client.onConnect(mockClient)

			n := mockClient.SimulateMessage("robot/arm/cloud", tt.payload)
			require.Equal(t, 1, n)
			assert.Equal(t, "robot/arm/cloud", gotTopic)

			if tt.wantErr {
				assert.Error(t, gotErr)
				assert.Nil(t, gotDoc)
				return
			}
			require.NoError(t, gotErr)
			assert.Len(t, gotDoc.Points, tt.wantSize)
		})
	}
}

func TestPairFromTriggerTopic(t *testing.T) {
	tests := []struct {
		topic  string
		wantID string
		wantOK bool
	}{
		{"cloudmesh/arm/register", "arm", true},
		{"cloudmesh/arm/result", "", false},
		{"cloudmesh//register", "", false},
		{"cloudmesh/a/b/register", "", false},
		{"other/arm/register", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			id, ok := pairFromTriggerTopic("cloudmesh", tt.topic)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

func TestTriggerHandler(t *testing.T) {
	mockClient := NewMockClient()
	client := newMQTTClientWithMock(mockClient, testPairsConfig(), nil)

	var mu sync.Mutex
	var requested []string
	client.SetTriggerHandler(func(pairID string) {
		mu.Lock()
		requested = append(requested, pairID)
		mu.Unlock()
	})
	client.onConnect(mockClient)

	mockClient.SimulateMessage("cloudmesh/lidar/register", nil)
	mockClient.SimulateMessage("cloudmesh/unknown/register", nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"lidar"}, requested)
}

func TestSetTriggerHandler_ConcurrentAccess(t *testing.T) {
	client := &MQTTClient{}
	var count atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				client.SetTriggerHandler(func(string) { count.Add(1) })
				if h := client.getTriggerHandler(); h != nil {
					h("arm")
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1000), count.Load())
}

func TestDisconnect(t *testing.T) {
	mockClient := NewMockClient()
	mockClient.SetConnected(true)
	client := newMQTTClientWithMock(mockClient, testPairsConfig(), nil)
	client.setConnected(true)

	client.Disconnect()

	assert.False(t, client.IsConnected())
	assert.False(t, mockClient.IsConnected())
}

func TestPublishPrefix(t *testing.T) {
	assert.Equal(t, "cloudmesh", publishPrefix(nil))
	assert.Equal(t, "cloudmesh", publishPrefix(&Config{}))
	assert.Equal(t, "lab", publishPrefix(&Config{MQTT: MQTTConfig{PublishPrefix: "lab"}}))
}
