// Package mqtt 通过 MQTT 接收设备上报，消息体与 HTTP 上报相同
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/langchou/safedrive/internal/metrics"
	"github.com/langchou/safedrive/internal/service"
)

// Ingester 上报处理
type Ingester interface {
	DecodeReport(body []byte) (*service.Report, error)
	Ingest(ctx context.Context, deviceID string, r *service.Report) (*service.Ack, error)
}

// Config MQTT 连接参数
type Config struct {
	Broker   string
	ClientID string
	Topic    string // 如 safedrive/+/report
	Username string
	Password string
	QoS      byte
}

// Consumer 订阅设备上报主题
type Consumer struct {
	cfg    Config
	ingest Ingester
	logger *zap.Logger
	client paho.Client
	ctx    context.Context
}

// NewConsumer 创建消费者
func NewConsumer(cfg Config, ingest Ingester, logger *zap.Logger) *Consumer {
	if cfg.Topic == "" {
		cfg.Topic = "safedrive/+/report"
	}
	return &Consumer{cfg: cfg, ingest: ingest, logger: logger, ctx: context.Background()}
}

// Start 连接 broker 并订阅，断线重连后自动重新订阅
func (c *Consumer) Start(ctx context.Context) error {
	c.ctx = ctx

	opts := paho.NewClientOptions()
	opts.AddBroker(c.cfg.Broker)
	opts.SetClientID(c.cfg.ClientID)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
	}
	if c.cfg.Password != "" {
		opts.SetPassword(c.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(client paho.Client) {
		token := client.Subscribe(c.cfg.Topic, c.cfg.QoS, c.onMessage)
		if token.Wait() && token.Error() != nil {
			c.logger.Error("MQTT subscribe failed", zap.String("topic", c.cfg.Topic), zap.Error(token.Error()))
			return
		}
		c.logger.Info("MQTT subscribed", zap.String("topic", c.cfg.Topic))
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.logger.Warn("MQTT connection lost", zap.Error(err))
	})

	c.client = paho.NewClient(opts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to MQTT broker: %w", token.Error())
	}
	c.logger.Info("MQTT consumer started", zap.String("broker", c.cfg.Broker))
	return nil
}

// Stop 断开连接
func (c *Consumer) Stop() {
	if c.client == nil || !c.client.IsConnected() {
		return
	}
	c.client.Unsubscribe(c.cfg.Topic).WaitTimeout(time.Second)
	c.client.Disconnect(250)
	c.logger.Info("MQTT consumer stopped")
}

func (c *Consumer) onMessage(_ paho.Client, msg paho.Message) {
	if err := c.Handle(c.ctx, msg.Topic(), msg.Payload()); err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			c.logger.Debug("MQTT report rejected", zap.String("topic", msg.Topic()), zap.Error(err))
			return
		}
		c.logger.Error("MQTT report failed", zap.String("topic", msg.Topic()), zap.Error(err))
	}
}

// Handle 处理一条消息：从主题取设备 ID，消息体为上报信封
func (c *Consumer) Handle(ctx context.Context, topic string, payload []byte) error {
	metrics.MQTTMessages.Add(1)

	deviceID, err := DeviceIDFromTopic(topic)
	if err != nil {
		return err
	}
	r, err := c.ingest.DecodeReport(payload)
	if err != nil {
		return err
	}
	_, err = c.ingest.Ingest(ctx, deviceID, r)
	return err
}

// DeviceIDFromTopic 解析 <prefix>/{deviceId}/report
func DeviceIDFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[len(parts)-1] != "report" {
		return "", &service.ValidationError{Field: "topic", Reason: "expected <prefix>/{deviceId}/report"}
	}
	id := strings.TrimSpace(parts[len(parts)-2])
	if id == "" || id == "+" || id == "#" {
		return "", &service.ValidationError{Field: "deviceId", Reason: "required"}
	}
	return id, nil
}
