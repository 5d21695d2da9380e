package bus

import (
	"log/slog"
	"net"
	"strconv"

	"github.com/segmentio/kafka-go"
)

// TopicSpec describes a topic to create when missing.
type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
}

// EnsureTopics creates missing topics on the cluster controller. It is best effort:
// failures are logged and the topics may need to be created manually.
func EnsureTopics(brokers []string, specs ...TopicSpec) {
	if len(brokers) == 0 || len(specs) == 0 {
		return
	}

	conn, err := kafka.Dial("tcp", brokers[0])
	if err != nil {
		slog.Warn("Could not connect to Kafka to check/create topics",
			"broker", brokers[0],
			"error", err,
		)
		return
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		slog.Warn("Could not find Kafka controller", "error", err)
		return
	}
	ctrl, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		slog.Warn("Could not connect to Kafka controller", "controller", controller.Host, "error", err)
		return
	}
	defer ctrl.Close()

	for _, spec := range specs {
		if partitions, err := conn.ReadPartitions(spec.Name); err == nil && len(partitions) > 0 {
			slog.Info("Topic already exists", "topic", spec.Name, "partitions", len(partitions))
			continue
		}
		if spec.Partitions <= 0 {
			spec.Partitions = 3
		}
		if spec.ReplicationFactor <= 0 {
			spec.ReplicationFactor = 1
		}
		err := ctrl.CreateTopics(kafka.TopicConfig{
			Topic:             spec.Name,
			NumPartitions:     spec.Partitions,
			ReplicationFactor: spec.ReplicationFactor,
		})
		if err != nil {
			slog.Warn("Could not create topic (may need to be created manually)",
				"topic", spec.Name,
				"error", err,
			)
			continue
		}
		slog.Info("Created topic",
			"topic", spec.Name,
			"partitions", spec.Partitions,
			"replication_factor", spec.ReplicationFactor,
		)
	}
}
