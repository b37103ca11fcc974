package store

import "github.com/sells-group/demandsync/internal/model"

// recordColumns is the insert column order; recordValues must match it.
var recordColumns = []string{
	"unique_code",
	"period_date",
	"principal",
	"address",
	"annual_average_consumption",
	"bilateral_consumer_group",
	"city_id",
	"city_name",
	"connection_position",
	"consumption_point_eic",
	"consumption_point_id",
	"contract_power",
	"customer_no",
	"demand_direction",
	"demand_id",
	"demand_status",
	"demand_type",
	"description",
	"district_id",
	"district_name",
	"last_resort_consumer_group",
	"main_tariff_group",
	"meter_id",
	"new_organization",
	"old_organization",
	"owner_organization",
	"profile_subscription_group",
	"reading_organization",
	"reading_type",
	"send_to_last_supplier",
	"substation_region",
	"substation_region_id",
	"tariff_class_type",
	"title",
	"usage_type",
}

var identityColumns = []string{"unique_code", "period_date", "principal"}

// recordValues flattens r into driver values. period_date is normalized so
// that stored rows and the rollback key compare equal.
func recordValues(principal string, r model.ConsumptionRecord) []any {
	return []any{
		r.UniqueCode,
		model.NormalizePeriod(r.PeriodDate),
		principal,
		deref(r.Address),
		deref(r.AnnualAverageConsumption),
		deref(r.BilateralConsumerGroup),
		deref(r.CityID),
		deref(r.CityName),
		deref(r.ConnectionPosition),
		deref(r.ConsumptionPointEIC),
		deref(r.ConsumptionPointID),
		deref(r.ContractPower),
		deref(r.CustomerNo),
		deref(r.DemandDirection),
		deref(r.DemandID),
		deref(r.DemandStatus),
		deref(r.DemandType),
		deref(r.Description),
		deref(r.DistrictID),
		deref(r.DistrictName),
		deref(r.LastResortConsumerGroup),
		deref(r.MainTariffGroup),
		deref(r.MeterID),
		deref(r.NewOrganization),
		deref(r.OldOrganization),
		deref(r.OwnerOrganization),
		deref(r.ProfileSubscriptionGroup),
		deref(r.ReadingOrganization),
		deref(r.ReadingType),
		deref(r.SendToLastSupplier),
		deref(r.SubstationRegion),
		deref(r.SubstationRegionID),
		deref(r.TariffClassType),
		deref(r.Title),
		deref(r.UsageType),
	}
}

func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func recordRows(principal string, records []model.ConsumptionRecord) [][]any {
	rows := make([][]any, len(records))
	for i, r := range records {
		rows[i] = recordValues(principal, r)
	}
	return rows
}
