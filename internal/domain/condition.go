package domain

// ConditionProperty enumerates the attributes a Condition may constrain.
type ConditionProperty string

const (
	PropertyRemoteIP               ConditionProperty = "remote_ip"
	PropertyRemoteIPLocationRegion ConditionProperty = "remote_ip_location_region"
	PropertyCurrentUTCDatetime     ConditionProperty = "current_utc_datetime"
	PropertyProviderID             ConditionProperty = "provider_id"
	PropertyClientVerified         ConditionProperty = "client_verified"
)

// ConditionOperator enumerates the comparison an operator applies to Values.
type ConditionOperator string

const (
	OpIsIn                     ConditionOperator = "is_in"
	OpIsNotIn                  ConditionOperator = "is_not_in"
	OpIsInCIDR                 ConditionOperator = "is_in_cidr"
	OpIsNotInCIDR              ConditionOperator = "is_not_in_cidr"
	OpIs                       ConditionOperator = "is"
	OpIsNot                    ConditionOperator = "is_not"
	OpIsInDayOfWeekTimeRanges  ConditionOperator = "is_in_day_of_week_time_ranges"
)

// Condition narrows when a Policy grants access.
type Condition struct {
	Property ConditionProperty `json:"property"`
	Operator ConditionOperator `json:"operator"`
	Values   []string          `json:"values"`
}
