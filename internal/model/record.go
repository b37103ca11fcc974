package model

import (
	"encoding/json"
	"time"
)

// PeriodLayout is the timestamp layout used for reporting periods on the wire
// and in the store (e.g. "2025-11-01T00:00:00+03:00").
const PeriodLayout = "2006-01-02T15:04:05-07:00"

// ConsumptionRecord is one demand pre-notification entry reported by the
// remote source for a principal in a period. Every descriptive field is
// nullable.
type ConsumptionRecord struct {
	UniqueCode string `json:"uniqueCode"`
	PeriodDate string `json:"periodDate"`

	Address                  *string  `json:"address,omitempty"`
	AnnualAverageConsumption *float64 `json:"annualAverageConsumption,omitempty"`
	BilateralConsumerGroup   *string  `json:"bilateralConsumerGroup,omitempty"`
	CityID                   *int64   `json:"cityId,omitempty"`
	CityName                 *string  `json:"cityName,omitempty"`
	ConnectionPosition       *string  `json:"connectionPosition,omitempty"`
	ConsumptionPointEIC      *string  `json:"consumptionPointEic,omitempty"`
	ConsumptionPointID       *int64   `json:"consumptionPointId,omitempty"`
	ContractPower            *float64 `json:"contractPower,omitempty"`
	CustomerNo               *string  `json:"customerNo,omitempty"`
	DemandDirection          *string  `json:"demandDirection,omitempty"`
	DemandID                 *int64   `json:"demandId,omitempty"`
	DemandStatus             *string  `json:"demandStatus,omitempty"`
	DemandType               *string  `json:"demandType,omitempty"`
	Description              *string  `json:"description,omitempty"`
	DistrictID               *int64   `json:"districtId,omitempty"`
	DistrictName             *string  `json:"districtName,omitempty"`
	LastResortConsumerGroup  *string  `json:"lastResortConsumerGroup,omitempty"`
	MainTariffGroup          *string  `json:"mainTariffGroup,omitempty"`
	MeterID                  *int64   `json:"meterId,omitempty"`
	NewOrganization          *string  `json:"newOrganization,omitempty"`
	OldOrganization          *string  `json:"oldOrganization,omitempty"`
	OwnerOrganization        *string  `json:"ownerOrganization,omitempty"`
	ProfileSubscriptionGroup *string  `json:"profileSubscriptionGroup,omitempty"`
	ReadingOrganization      *string  `json:"readingOrganization,omitempty"`
	ReadingType              *string  `json:"readingType,omitempty"`
	SendToLastSupplier       *bool    `json:"sendToLastSupplier,omitempty"`
	SubstationRegion         *string  `json:"substationRegion,omitempty"`
	SubstationRegionID       *int64   `json:"substationRegionId,omitempty"`
	TariffClassType          *string  `json:"tariffClassType,omitempty"`
	Title                    *string  `json:"title,omitempty"`
	UsageType                *string  `json:"usageType,omitempty"`
}

// valueRef is the {"value": ...} wrapper the source uses for coded fields.
type valueRef struct {
	Value *string `json:"value"`
}

// nameRef is the {"name": ...} wrapper used for organization references.
type nameRef struct {
	Name *string `json:"name"`
}

func (v *valueRef) get() *string {
	if v == nil || v.Value == nil || *v.Value == "" {
		return nil
	}
	return v.Value
}

func (n *nameRef) get() *string {
	if n == nil || n.Name == nil || *n.Name == "" {
		return nil
	}
	return n.Name
}

// sourceItem mirrors one element of body.content.items in a supplier query
// response.
type sourceItem struct {
	UniqueCode                        string    `json:"uniqueCode"`
	PeriodDate                        string    `json:"periodDate"`
	Address                           *string   `json:"address"`
	AnnualAverageConsumption          *float64  `json:"annualAverageConsumption"`
	BilateralConsumerGroup            *valueRef `json:"bilateralConsumerGroup"`
	CityID                            *int64    `json:"cityId"`
	CityName                          *string   `json:"cityName"`
	ConnectionPositionDescriptionType *valueRef `json:"connectionPositionDescriptionType"`
	ConsumptionPointEIC               *string   `json:"consumptionPointEic"`
	ConsumptionPointID                *int64    `json:"consumptionPointId"`
	ContractPower                     *float64  `json:"contractPower"`
	CustomerNo                        *string   `json:"customerNo"`
	DemandDirection                   *valueRef `json:"demandDirection"`
	DemandID                          *int64    `json:"demandId"`
	DemandStatus                      *valueRef `json:"demandStatus"`
	DemandType                        *valueRef `json:"demandType"`
	Description                       *valueRef `json:"description"`
	DistrictID                        *int64    `json:"districtId"`
	DistrictName                      *string   `json:"districtName"`
	LastResortConsumerGroup           *valueRef `json:"lastResortConsumerGroup"`
	MainTariffGroup                   *valueRef `json:"mainTariffGroup"`
	MeterID                           *int64    `json:"meterId"`
	NewOrganization                   *valueRef `json:"newOrganization"`
	OldOrganization                   *valueRef `json:"oldOrganization"`
	OwnerOrganization                 *valueRef `json:"ownerOrganization"`
	ProfileSubscriptionGroup          *valueRef `json:"profileSubscriptionGroup"`
	ReadingOrganization               *nameRef  `json:"readingOrganization"`
	ReadingType                       *valueRef `json:"readingType"`
	SendToLastSupplier                *bool     `json:"sendToLastSupplier"`
	TariffClassType                   *valueRef `json:"tariffClassType"`
	Title                             *string   `json:"title"`
	UsageType                         *valueRef `json:"usageType"`
}

// DecodeSourceItem converts a raw supplier query item into a record,
// flattening the nested value/name wrappers. Substation fields are never
// populated by the source and stay nil.
func DecodeSourceItem(raw json.RawMessage) (ConsumptionRecord, error) {
	var it sourceItem
	if err := json.Unmarshal(raw, &it); err != nil {
		return ConsumptionRecord{}, err
	}
	return ConsumptionRecord{
		UniqueCode:               it.UniqueCode,
		PeriodDate:               it.PeriodDate,
		Address:                  it.Address,
		AnnualAverageConsumption: it.AnnualAverageConsumption,
		BilateralConsumerGroup:   it.BilateralConsumerGroup.get(),
		CityID:                   it.CityID,
		CityName:                 it.CityName,
		ConnectionPosition:       it.ConnectionPositionDescriptionType.get(),
		ConsumptionPointEIC:      it.ConsumptionPointEIC,
		ConsumptionPointID:       it.ConsumptionPointID,
		ContractPower:            it.ContractPower,
		CustomerNo:               it.CustomerNo,
		DemandDirection:          it.DemandDirection.get(),
		DemandID:                 it.DemandID,
		DemandStatus:             it.DemandStatus.get(),
		DemandType:               it.DemandType.get(),
		Description:              it.Description.get(),
		DistrictID:               it.DistrictID,
		DistrictName:             it.DistrictName,
		LastResortConsumerGroup:  it.LastResortConsumerGroup.get(),
		MainTariffGroup:          it.MainTariffGroup.get(),
		MeterID:                  it.MeterID,
		NewOrganization:          it.NewOrganization.get(),
		OldOrganization:          it.OldOrganization.get(),
		OwnerOrganization:        it.OwnerOrganization.get(),
		ProfileSubscriptionGroup: it.ProfileSubscriptionGroup.get(),
		ReadingOrganization:      it.ReadingOrganization.get(),
		ReadingType:              it.ReadingType.get(),
		SendToLastSupplier:       it.SendToLastSupplier,
		TariffClassType:          it.TariffClassType.get(),
		Title:                    it.Title,
		UsageType:                it.UsageType.get(),
	}, nil
}

// NormalizePeriod rewrites a period timestamp into PeriodLayout at the
// source's +03:00 offset so that rows written from the payload and the
// rollback key computed locally compare equal. Unparseable input is
// returned unchanged.
func NormalizePeriod(s string) string {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return s
	}
	return t.In(SourceZone).Format(PeriodLayout)
}

// SourceZone is the fixed +03:00 business timezone of the remote source.
var SourceZone = time.FixedZone("TRT", 3*60*60)
