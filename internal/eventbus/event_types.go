package eventbus

// Event kinds, matching Event.Kind values.
const (
	KindDeploymentLog    = "deployment:log"
	KindDeploymentStatus = "deployment:status"
	KindServiceStatus    = "service:status"
	KindServiceMetrics   = "service:metrics"
)

// DeploymentLog is the payload for KindDeploymentLog.
type DeploymentLog struct {
	DeploymentID string `json:"deploymentId"`
	Log          string `json:"log"`
	Timestamp    int64  `json:"timestamp"`
}

// DeploymentStatus is the payload for KindDeploymentStatus.
type DeploymentStatus struct {
	DeploymentID string  `json:"deploymentId"`
	Status       string  `json:"status"`
	ContainerID  *string `json:"containerId,omitempty"`
	Timestamp    int64   `json:"timestamp"`
}

// ServiceStatus is the payload for KindServiceStatus.
type ServiceStatus struct {
	ServiceID string `json:"serviceId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// Metrics is the nested metrics object inside KindServiceMetrics.
type Metrics struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryUsage   uint64  `json:"memoryUsage"`
	MemoryLimit   uint64  `json:"memoryLimit"`
	MemoryPercent float64 `json:"memoryPercent"`
	NetworkRx     uint64  `json:"networkRx"`
	NetworkTx     uint64  `json:"networkTx"`
	Timestamp     int64   `json:"timestamp"`
}

// ServiceMetrics is the payload for KindServiceMetrics.
type ServiceMetrics struct {
	ServiceID string  `json:"serviceId"`
	Metrics   Metrics `json:"metrics"`
	Timestamp int64   `json:"timestamp"`
}
