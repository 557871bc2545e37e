package kafka

import (
	"cmp"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"logship/internal/shipper"
)

// NewFactory returns a SourceFactory for Kafka sources.
func NewFactory() shipper.SourceFactory {
	return func(id uuid.UUID, params map[string]string, logger *slog.Logger) (shipper.Source, error) {
		brokers := params["brokers"]
		if brokers == "" {
			return nil, fmt.Errorf("kafka source: brokers param is required")
		}

		topic := params["topic"]
		if topic == "" {
			return nil, fmt.Errorf("kafka source: topic param is required")
		}

		group := cmp.Or(params["group"], "logship")
		tls := params["tls"] == "true"

		var sasl *SASLConfig
		if mech := params["sasl_mechanism"]; mech != "" {
			switch strings.ToLower(mech) {
			case "plain", "scram-sha-256", "scram-sha-512":
			default:
				return nil, fmt.Errorf("kafka source: unsupported sasl_mechanism %q (supported: plain, scram-sha-256, scram-sha-512)", mech)
			}
			sasl = &SASLConfig{
				Mechanism: strings.ToLower(mech),
				User:      params["sasl_user"],
				Password:  params["sasl_password"],
			}
		}

		brokerList := strings.Split(brokers, ",")
		for i := range brokerList {
			brokerList[i] = strings.TrimSpace(brokerList[i])
		}

		return New(Config{
			Name:    cmp.Or(params["_name"], id.String()),
			Brokers: brokerList,
			Topic:   topic,
			Group:   group,
			TLS:     tls,
			SASL:    sasl,
			Logger:  logger,
		}), nil
	}
}
