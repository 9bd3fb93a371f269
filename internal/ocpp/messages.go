package ocpp

import "time"

// Actions initiated by the charge point.
const (
	ActionBootNotification   = "BootNotification"
	ActionHeartbeat          = "Heartbeat"
	ActionAuthorize          = "Authorize"
	ActionStartTransaction   = "StartTransaction"
	ActionStopTransaction    = "StopTransaction"
	ActionMeterValues        = "MeterValues"
	ActionStatusNotification = "StatusNotification"
)

// Actions initiated by the central system.
const (
	ActionRemoteStartTransaction = "RemoteStartTransaction"
	ActionRemoteStopTransaction  = "RemoteStopTransaction"
	ActionSetChargingProfile     = "SetChargingProfile"
	ActionReset                  = "Reset"
)

// Registration status values returned by BootNotification.
const (
	RegistrationAccepted = "Accepted"
	RegistrationPending  = "Pending"
	RegistrationRejected = "Rejected"
)

// Authorization status values inside IdTagInfo.
const (
	AuthorizationAccepted = "Accepted"
	AuthorizationBlocked  = "Blocked"
	AuthorizationExpired  = "Expired"
	AuthorizationInvalid  = "Invalid"
)

// RemoteStartStopStatus values.
const (
	RemoteStartStopAccepted = "Accepted"
	RemoteStartStopRejected = "Rejected"
)

// ChargingProfileStatus values.
const (
	ChargingProfileAccepted     = "Accepted"
	ChargingProfileRejected     = "Rejected"
	ChargingProfileNotSupported = "NotSupported"
)

// Reset handling.
const (
	ResetTypeHard = "Hard"
	ResetTypeSoft = "Soft"

	ResetAccepted = "Accepted"
	ResetRejected = "Rejected"
)

// ChargePointErrorCode values used in StatusNotification.
const (
	ErrorCodeNoError              = "NoError"
	ErrorCodeEVCommunicationError = "EVCommunicationError"
	ErrorCodeInternalError        = "InternalError"
	ErrorCodeOtherError           = "OtherError"
)

// Measurands sampled in MeterValues.
const (
	MeasurandEnergyRegister = "Energy.Active.Import.Register"
	MeasurandEnergyInterval = "Energy.Active.Import.Interval"
	MeasurandCurrentImport  = "Current.Import"
	MeasurandCurrentOffered = "Current.Offered"
	MeasurandPowerImport    = "Power.Active.Import"
	MeasurandVoltage        = "Voltage"
	MeasurandSoC            = "SoC"
)

// StopTransaction reason values.
const (
	ReasonEVDisconnected = "EVDisconnected"
	ReasonRemote         = "Remote"
	ReasonLocal          = "Local"
	ReasonDeAuthorized   = "DeAuthorized"
	ReasonReboot         = "Reboot"
	ReasonOther          = "Other"
)

// ChargingRateUnit values for charging schedules.
const (
	RateUnitAmps  = "A"
	RateUnitWatts = "W"
)

type BootNotificationRequest struct {
	ChargePointVendor string `json:"chargePointVendor"`
	ChargePointModel  string `json:"chargePointModel"`
	FirmwareVersion   string `json:"firmwareVersion,omitempty"`
}

type BootNotificationResponse struct {
	Status      string    `json:"status"`
	CurrentTime time.Time `json:"currentTime"`
	Interval    int       `json:"interval"`
}

type HeartbeatRequest struct{}

type HeartbeatResponse struct {
	CurrentTime time.Time `json:"currentTime"`
}

type IdTagInfo struct {
	Status string `json:"status"`
}

type AuthorizeRequest struct {
	IdTag string `json:"idTag"`
}

type AuthorizeResponse struct {
	IdTagInfo IdTagInfo `json:"idTagInfo"`
}

type StatusNotificationRequest struct {
	ConnectorId int       `json:"connectorId"`
	ErrorCode   string    `json:"errorCode"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
}

type StatusNotificationResponse struct{}

type StartTransactionRequest struct {
	ConnectorId int       `json:"connectorId"`
	IdTag       string    `json:"idTag"`
	MeterStart  int64     `json:"meterStart"`
	Timestamp   time.Time `json:"timestamp"`
}

type StartTransactionResponse struct {
	IdTagInfo     IdTagInfo `json:"idTagInfo"`
	TransactionId int       `json:"transactionId"`
}

type StopTransactionRequest struct {
	TransactionId int       `json:"transactionId"`
	IdTag         string    `json:"idTag,omitempty"`
	MeterStop     int64     `json:"meterStop"`
	Timestamp     time.Time `json:"timestamp"`
	Reason        string    `json:"reason,omitempty"`
}

type StopTransactionResponse struct {
	IdTagInfo *IdTagInfo `json:"idTagInfo,omitempty"`
}

type SampledValue struct {
	Value     string `json:"value"`
	Context   string `json:"context,omitempty"`
	Format    string `json:"format,omitempty"`
	Measurand string `json:"measurand,omitempty"`
	Phase     string `json:"phase,omitempty"`
	Unit      string `json:"unit,omitempty"`
}

type MeterValue struct {
	Timestamp    time.Time      `json:"timestamp"`
	SampledValue []SampledValue `json:"sampledValue"`
}

type MeterValuesRequest struct {
	ConnectorId   int          `json:"connectorId"`
	TransactionId *int         `json:"transactionId,omitempty"`
	MeterValue    []MeterValue `json:"meterValue"`
}

type MeterValuesResponse struct{}

type RemoteStartTransactionRequest struct {
	ConnectorId     *int             `json:"connectorId,omitempty"`
	IdTag           string           `json:"idTag"`
	ChargingProfile *ChargingProfile `json:"chargingProfile,omitempty"`
}

type RemoteStartTransactionResponse struct {
	Status string `json:"status"`
}

type RemoteStopTransactionRequest struct {
	TransactionId int `json:"transactionId"`
}

type RemoteStopTransactionResponse struct {
	Status string `json:"status"`
}

type ChargingSchedulePeriod struct {
	StartPeriod  int     `json:"startPeriod"`
	Limit        float64 `json:"limit"`
	NumberPhases *int    `json:"numberPhases,omitempty"`
}

type ChargingSchedule struct {
	Duration               *int                     `json:"duration,omitempty"`
	StartSchedule          *time.Time               `json:"startSchedule,omitempty"`
	ChargingRateUnit       string                   `json:"chargingRateUnit"`
	ChargingSchedulePeriod []ChargingSchedulePeriod `json:"chargingSchedulePeriod"`
}

type ChargingProfile struct {
	ChargingProfileId      int              `json:"chargingProfileId"`
	TransactionId          *int             `json:"transactionId,omitempty"`
	StackLevel             int              `json:"stackLevel"`
	ChargingProfilePurpose string           `json:"chargingProfilePurpose"`
	ChargingProfileKind    string           `json:"chargingProfileKind"`
	ChargingSchedule       ChargingSchedule `json:"chargingSchedule"`
}

type SetChargingProfileRequest struct {
	ConnectorId        int             `json:"connectorId"`
	CsChargingProfiles ChargingProfile `json:"csChargingProfiles"`
}

type SetChargingProfileResponse struct {
	Status string `json:"status"`
}

type ResetRequest struct {
	Type string `json:"type"`
}

type ResetResponse struct {
	Status string `json:"status"`
}

// Limit extracts the charging rate from the profile's first schedule period.
// Returns ok=false when the schedule carries no periods.
func (r *SetChargingProfileRequest) Limit() (limit float64, unit string, ok bool) {
	return r.CsChargingProfiles.Limit()
}

// Limit extracts the charging rate from the first schedule period. Returns
// ok=false when the schedule carries no periods.
func (p *ChargingProfile) Limit() (limit float64, unit string, ok bool) {
	periods := p.ChargingSchedule.ChargingSchedulePeriod
	if len(periods) == 0 {
		return 0, "", false
	}
	unit = p.ChargingSchedule.ChargingRateUnit
	if unit == "" {
		unit = RateUnitAmps
	}
	return periods[0].Limit, unit, true
}
