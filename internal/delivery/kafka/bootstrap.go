package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tsa-backend/ledger/internal/config"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Topics lists every topic the ledger reads or writes for one instance.
func Topics(instanceID string) []string {
	topics := make([]string, 0, 3*len(RequestTopics)+1)
	for _, req := range RequestTopics {
		topics = append(topics,
			req,
			strings.TrimSuffix(req, TopicRequestSuffix)+TopicRetrySuffix,
			req+TopicDLQSuffix,
		)
	}
	return append(topics, ReplyTopic(instanceID))
}

func EnsureTopics(ctx context.Context, client *kgo.Client, cfg *config.Config) error {
	adm := kadm.NewClient(client)

	partitions := cfg.TopicPartitions()
	retryPartitions := cfg.RetryPartitions()
	replicationFactor := cfg.ReplicationFactor()
	configs := map[string]*string{}
	if minISR := cfg.KafkaMinISR; minISR != "" && replicationFactor > 1 {
		configs["min.insync.replicas"] = &minISR
	}

	for _, topic := range Topics(cfg.KafkaInstanceID) {
		p := partitions
		if strings.HasSuffix(topic, TopicRetrySuffix) || strings.HasSuffix(topic, TopicDLQSuffix) {
			p = retryPartitions
		}

		resp, err := adm.CreateTopics(ctx, int32(p), replicationFactor, configs, topic)
		if err != nil {
			return fmt.Errorf("create topic %s: %w", topic, err)
		}
		for _, detail := range resp {
			if detail.Err != nil && !errors.Is(detail.Err, kerr.TopicAlreadyExists) {
				return fmt.Errorf("create topic %s: %w", detail.Topic, detail.Err)
			}
		}
	}

	log.Info().Int("partitions", partitions).Msg("kafka topics ensured")
	return nil
}
