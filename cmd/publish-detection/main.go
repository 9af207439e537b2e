package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	rediscommon "tickstock-stream/common/redis"
	"tickstock-stream/internal/bus"
	"tickstock-stream/internal/config"
	"tickstock-stream/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func main() {
	var kind = flag.String("kind", "detection", "Message kind: detection | heartbeat")
	var channel = flag.String("channel", "", "Target channel (default: first pattern channel or the heartbeat channel)")
	var symbol = flag.String("symbol", "AAPL", "Symbol")
	var pattern = flag.String("pattern", "Doji", "Pattern name")
	var tier = flag.String("tier", "intraday", "Tier hint (empty to rely on channel mapping)")
	var confidence = flag.Float64("confidence", 0.85, "Confidence in [0, 1]")
	var flowID = flag.String("flow-id", "", "Flow id (default: random uuid per message)")
	var count = flag.Int("count", 1, "Number of messages to publish")
	var interval = flag.Duration("interval", 100*time.Millisecond, "Delay between messages")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	publisher, redisClient, closeFn, err := newPublisher(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to bus: %v", err)
	}
	defer closeFn()

	target := *channel
	if target == "" {
		if *kind == "heartbeat" {
			target = cfg.Bus.HeartbeatChannel
		} else {
			target = cfg.Bus.PatternChannels[0]
		}
	}

	ctx := context.Background()
	started := time.Now()
	for i := 0; i < *count; i++ {
		var payload []byte
		switch *kind {
		case "heartbeat":
			payload, err = json.Marshal(models.HeartbeatRecord{
				EmittedAt:     time.Now().UTC(),
				EmitterRole:   models.EmitterProducer,
				UptimeSeconds: time.Since(started).Seconds(),
			})
		case "detection":
			id := *flowID
			if id == "" || *count > 1 {
				id = uuid.NewString()
			}
			payload, err = detectionEnvelope(id, *symbol, *pattern, *tier, *confidence)
		default:
			log.Fatalf("Unknown kind %q", *kind)
		}
		if err != nil {
			log.Fatalf("Failed to build message: %v", err)
		}

		if err := publisher.Publish(ctx, target, payload); err != nil {
			log.Fatalf("Failed to publish: %v", err)
		}
		// Producer 心跳同时写入 Redis key，供消费端轮询
		if *kind == "heartbeat" && redisClient != nil && cfg.Heartbeat.ProducerKey != "" {
			if err := rediscommon.SetJSON(ctx, redisClient, cfg.Heartbeat.ProducerKey, json.RawMessage(payload), 2*cfg.Heartbeat.Interval); err != nil {
				log.Printf("Failed to write producer heartbeat key: %v", err)
			}
		}
		fmt.Printf("published %s to %s: %s\n", *kind, target, payload)

		if i < *count-1 {
			time.Sleep(*interval)
		}
	}
}

func detectionEnvelope(flowID, symbol, pattern, tier string, confidence float64) ([]byte, error) {
	data := map[string]interface{}{
		"symbol":     symbol,
		"pattern":    pattern,
		"confidence": confidence,
		"flow_id":    flowID,
	}
	if tier != "" {
		data["tier"] = tier
	}
	return json.Marshal(map[string]interface{}{
		"event_type": models.EventTypePatternDetected,
		"source":     "publish-detection",
		"timestamp":  models.TimeToUnixFloat(time.Now()),
		"data":       data,
	})
}

// newPublisher 按 BUS_KIND 选择总线；MQTT 模式下不返回 Redis 客户端
func newPublisher(cfg *config.Config) (bus.Publisher, *redis.Client, func(), error) {
	if cfg.Bus.Kind == config.BusKindMQTT {
		b := bus.NewMQTTBus(&cfg.MQTT, 1, zap.NewNop())
		return b, nil, b.Close, nil
	}

	client := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(context.Background(), client); err != nil {
		_ = client.Close()
		return nil, nil, nil, err
	}
	return bus.NewRedisBus(client), client, func() { _ = client.Close() }, nil
}
