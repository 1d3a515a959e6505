package model

import "time"

// The types in this file are the request and response bodies of the
// reporting backend API.

type TestRunConfigHTTP struct {
	Environment string `json:"environment,omitempty"`
	Build       string `json:"build,omitempty"`
}

type MilestoneHTTP struct {
	ID   int64  `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

type CIContext struct {
	// CIType is e.g. JENKINS or TEAM_CITY.
	CIType       string            `json:"ciType"`
	EnvVariables map[string]string `json:"envVariables"`
}

type NotificationTargetHTTP struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type NotificationsHTTP struct {
	NotifyOnEachFailure bool                     `json:"notifyOnEachFailure"`
	Targets             []NotificationTargetHTTP `json:"targets,omitempty"`
}

type StartTestRunHTTP struct {
	Name          string             `json:"name"`
	Framework     string             `json:"framework"`
	UUID          string             `json:"uuid"`
	StartedAt     time.Time          `json:"startedAt"`
	Config        *TestRunConfigHTTP `json:"config,omitempty"`
	Milestone     *MilestoneHTTP     `json:"milestone,omitempty"`
	CIContext     *CIContext         `json:"ciContext,omitempty"`
	Notifications *NotificationsHTTP `json:"notifications,omitempty"`
}

type FinishTestRunHTTP struct {
	EndedAt time.Time `json:"endedAt"`
}

type StartTestHTTP struct {
	Name            string    `json:"name"`
	ClassName       string    `json:"className"`
	MethodName      string    `json:"methodName"`
	UUID            string    `json:"uuid"`
	StartedAt       time.Time `json:"startedAt"`
	CorrelationData string    `json:"correlationData,omitempty"`
	Maintainer      string    `json:"maintainer,omitempty"`
	Labels          []Label   `json:"labels,omitempty"`
}

type FinishTestHTTP struct {
	Result  Status    `json:"result"`
	EndedAt time.Time `json:"endedAt"`
	Reason  string    `json:"reason,omitempty"`
}

type LogRecordHTTP struct {
	TestID    string `json:"testId"`
	Level     string `json:"level"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
}

type StartSessionHTTP struct {
	SessionID           string         `json:"sessionId"`
	StartedAt           time.Time      `json:"startedAt"`
	DesiredCapabilities map[string]any `json:"desiredCapabilities"`
	Capabilities        map[string]any `json:"capabilities"`
	TestIDs             []string       `json:"testIds"`
}

type FinishSessionHTTP struct {
	EndedAt time.Time `json:"endedAt"`
	TestIDs []string  `json:"testIds"`
}

type ArtifactReferenceHTTP struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type ItemsHTTP[T any] struct {
	Items []T `json:"items"`
}

type PatchOperationHTTP struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value string `json:"value"`
}

// IDHTTP is the response of every endpoint that creates an entity.
type IDHTTP struct {
	ID any `json:"id"`
}

type AuthRefreshHTTP struct {
	RefreshToken string `json:"refreshToken"`
}

type AuthTokenHTTP struct {
	AuthToken string `json:"authToken"`
}
