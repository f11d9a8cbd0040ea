package health

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const defaultSyncInterval = 10 * time.Second

// ServingStatusSetter: часть grpc health.Server, через которую публикуется статус.
type ServingStatusSetter interface {
	SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus)
}

func servingStatus(s Status) healthpb.HealthCheckResponse_ServingStatus {
	if s == StatusUnhealthy {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// SyncGRPC прогоняет проверки каждые interval и публикует итог в gRPC health
// для сервиса "" (degraded остаётся SERVING). Возвращается после отмены ctx,
// не публикуя результат прогона, прерванного отменой.
func (h *Handler) SyncGRPC(ctx context.Context, srv ServingStatusSetter, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	logger := log.WithField("component", "health")

	var last Status
	publish := func() {
		report := h.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		srv.SetServingStatus("", servingStatus(report.Status))
		if report.Status != last {
			logger.WithFields(log.Fields{"from": last, "to": report.Status}).Info("health status changed")
			last = report.Status
		}
	}

	publish()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publish()
		}
	}
}
