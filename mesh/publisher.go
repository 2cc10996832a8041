package mesh

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// RegistrationReport is the published summary of one registration run.
type RegistrationReport struct {
	RunID       string     `json:"runId"`
	PairID      string     `json:"pairId"`
	Converged   bool       `json:"converged"`
	Stage       string     `json:"stage"`
	Iterations  int        `json:"iterations"`
	Transform   Matrix4    `json:"transform"`
	Translation [3]float64 `json:"translation"`
	YawDeg      float64    `json:"yawDeg"`
	Fitness     float64    `json:"fitness"`
	Error       string     `json:"error,omitempty"`
	DurationMs  float64    `json:"durationMs"`
	Timestamp   int64      `json:"timestamp"`
}

// NewRegistrationReport summarizes a registration result. regErr is the
// error returned alongside res, if any.
func NewRegistrationReport[P Point](pairID string, res Result[P], regErr error) RegistrationReport {
	final := res.State.FinalTransformation
	off := final.Offset()
	r := RegistrationReport{
		RunID:       res.ID,
		PairID:      pairID,
		Converged:   res.State.Converged,
		Stage:       res.State.Stage.String(),
		Iterations:  res.State.Iterations,
		Transform:   final,
		Translation: [3]float64{off.X, off.Y, off.Z},
		YawDeg:      final.YawDeg(),
		Fitness:     res.Fitness,
		DurationMs:  float64(res.Duration) / float64(time.Millisecond),
		Timestamp:   time.Now().Unix(),
	}
	if regErr != nil {
		r.Error = regErr.Error()
	}
	return r
}

// Publisher publishes registration reports to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	reports       map[string]*RegistrationReport
	mu            sync.RWMutex
}

// NewPublisher creates a report publisher. MQTT_PUBLISH_PREFIX overrides
// prefix; an empty prefix falls back to "cloudmesh".
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	return &Publisher{
		client:        client,
		publishPrefix: envOr("MQTT_PUBLISH_PREFIX", prefix, "cloudmesh"),
		qos:           1,
		retain:        true,
		reports:       make(map[string]*RegistrationReport),
	}
}

// Prefix returns the topic prefix in use.
func (p *Publisher) Prefix() string {
	return p.publishPrefix
}

// ResultTopic is the retained per-pair topic.
func (p *Publisher) ResultTopic(pairID string) string {
	return fmt.Sprintf("%s/%s/result", p.publishPrefix, pairID)
}

// ResultsTopic carries the latest report of every pair.
func (p *Publisher) ResultsTopic() string {
	return p.publishPrefix + "/results"
}

// PublishReport publishes a report to its pair topic and refreshes the
// combined results topic. The report is remembered even when publishing fails.
func (p *Publisher) PublishReport(r RegistrationReport) error {
	p.mu.Lock()
	p.reports[r.PairID] = &r
	p.mu.Unlock()

	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	if err := p.publish(p.ResultTopic(r.PairID), r); err != nil {
		log.Error("Publishing result failed", "pair", r.PairID, "err", err)
		return err
	}
	log.Info("Published result", "pair", r.PairID, "converged", r.Converged,
		"iterations", r.Iterations, "yaw", fmt.Sprintf("%.1f°", r.YawDeg))

	if err := p.publishCombined(); err != nil {
		log.Error("Publishing combined results failed", "err", err)
		return err
	}
	return nil
}

func (p *Publisher) publishCombined() error {
	reports := p.GetAllReports()
	if len(reports) == 0 {
		return nil
	}

	list := make([]*RegistrationReport, 0, len(reports))
	for _, r := range reports {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].PairID < list[j].PairID })

	return p.publish(p.ResultsTopic(), map[string]interface{}{
		"pairs":     list,
		"timestamp": time.Now().Unix(),
	})
}

func (p *Publisher) publish(topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", topic, err)
	}
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// GetReport returns the last report of a pair
func (p *Publisher) GetReport(pairID string) (*RegistrationReport, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.reports[pairID]
	if !ok {
		return nil, false
	}
	c := *r
	return &c, true
}

// GetAllReports returns copies of the last report of every pair.
func (p *Publisher) GetAllReports() map[string]*RegistrationReport {
	p.mu.RLock()
	defer p.mu.RUnlock()

	reports := make(map[string]*RegistrationReport, len(p.reports))
	for id, r := range p.reports {
		c := *r
		reports[id] = &c
	}
	return reports
}

// ClearReport forgets a pair's report.
func (p *Publisher) ClearReport(pairID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.reports, pairID)
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
