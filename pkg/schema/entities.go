package schema

// Canonical entity names. Each is also the default destination table.
const (
	Property        = "property"
	Assessment      = "assessment"
	TaxRecord       = "tax_record"
	CostMatrixEntry = "cost_matrix_entry"
)

// Canonical fields.
const (
	FieldPropertyID       Field = "property_id"
	FieldParcelNumber     Field = "parcel_number"
	FieldClassification   Field = "classification"
	FieldStreetNumber     Field = "street_number"
	FieldStreetName       Field = "street_name"
	FieldCity             Field = "city"
	FieldState            Field = "state"
	FieldZipCode          Field = "zip_code"
	FieldOwnerName        Field = "owner_name"
	FieldOwnerAddress     Field = "owner_address"
	FieldLatitude         Field = "latitude"
	FieldLongitude        Field = "longitude"
	FieldYearBuilt        Field = "year_built"
	FieldArea             Field = "area"
	FieldBedrooms         Field = "bedrooms"
	FieldBathrooms        Field = "bathrooms"
	FieldLandValue        Field = "land_value"
	FieldImprovementValue Field = "improvement_value"
	FieldTotalValue       Field = "total_value"
	FieldAssessedValue    Field = "assessed_value"
	FieldLastSaleDate     Field = "last_sale_date"
	FieldLastUpdated      Field = "last_updated"

	FieldAssessmentYear  Field = "assessment_year"
	FieldValuationMethod Field = "valuation_method"
	FieldStatus          Field = "status"
	FieldAssessorID      Field = "assessor_id"
	FieldNotes           Field = "notes"

	FieldTaxCode        Field = "tax_code"
	FieldTaxYear        Field = "tax_year"
	FieldTaxDistrict    Field = "tax_district"
	FieldLevyRate       Field = "levy_rate"
	FieldLevyAmount     Field = "levy_amount"
	FieldStatutoryLimit Field = "statutory_limit"

	FieldRegion           Field = "region"
	FieldBuildingType     Field = "building_type"
	FieldMatrixYear       Field = "matrix_year"
	FieldCategory         Field = "category"
	FieldDescription      Field = "description"
	FieldBaseCost         Field = "base_cost"
	FieldMinCost          Field = "min_cost"
	FieldMaxCost          Field = "max_cost"
	FieldMeanCost         Field = "mean_cost"
	FieldRegionFactor     Field = "region_factor"
	FieldComplexityFactor Field = "complexity_factor"
	FieldQualityFactor    Field = "quality_factor"
)

// Columns every canonical table carries in addition to its fields.
const (
	ColumnID        = "id"
	ColumnCreatedAt = "created_at"
	ColumnUpdatedAt = "updated_at"
)

func str(name Field) FieldDef   { return FieldDef{Name: name, Type: TypeString} }
func money(name Field) FieldDef { return FieldDef{Name: name, Type: TypeMoney} }
func year(name Field) FieldDef {
	return FieldDef{Name: name, Type: TypeYear, Bounded: true, Min: MinYear, Max: MaxYear}
}
func bounded(name Field, t Type, min, max float64) FieldDef {
	return FieldDef{Name: name, Type: t, Bounded: true, Min: min, Max: max}
}

func canonicalEntities() []*Entity {
	valueTotal := Derivation{Target: FieldTotalValue, Sum: []Field{FieldLandValue, FieldImprovementValue}}

	entities := []*Entity{
		{
			Name: Property,
			Fields: []FieldDef{
				str(FieldPropertyID),
				str(FieldParcelNumber),
				str(FieldClassification),
				str(FieldStreetNumber),
				str(FieldStreetName),
				str(FieldCity),
				str(FieldState),
				str(FieldZipCode),
				str(FieldOwnerName),
				str(FieldOwnerAddress),
				bounded(FieldLatitude, TypeFloat, -90, 90),
				bounded(FieldLongitude, TypeFloat, -180, 180),
				year(FieldYearBuilt),
				{Name: FieldArea, Type: TypeInteger, Bounded: true, Min: 0, AreaCapped: true},
				bounded(FieldBedrooms, TypeInteger, 0, 100),
				bounded(FieldBathrooms, TypeFloat, 0, 50),
				money(FieldLandValue),
				money(FieldImprovementValue),
				money(FieldTotalValue),
				money(FieldAssessedValue),
				{Name: FieldLastSaleDate, Type: TypeDate},
				{Name: FieldLastUpdated, Type: TypeTimestamp},
			},
			NaturalKey:  []Field{FieldPropertyID},
			Watermark:   FieldLastUpdated,
			Derivations: []Derivation{valueTotal},
			Latitude:    FieldLatitude,
			Longitude:   FieldLongitude,
		},
		{
			Name: Assessment,
			Fields: []FieldDef{
				str(FieldPropertyID),
				year(FieldAssessmentYear),
				money(FieldLandValue),
				money(FieldImprovementValue),
				money(FieldTotalValue),
				str(FieldValuationMethod),
				str(FieldStatus),
				str(FieldAssessorID),
				str(FieldNotes),
				{Name: FieldLastUpdated, Type: TypeTimestamp},
			},
			NaturalKey:  []Field{FieldPropertyID, FieldAssessmentYear},
			Watermark:   FieldLastUpdated,
			Derivations: []Derivation{valueTotal},
		},
		{
			Name: TaxRecord,
			Fields: []FieldDef{
				str(FieldTaxCode),
				year(FieldTaxYear),
				str(FieldTaxDistrict),
				bounded(FieldLevyRate, TypeFloat, 0, 1000),
				money(FieldLevyAmount),
				money(FieldAssessedValue),
				bounded(FieldStatutoryLimit, TypeFloat, 0, 1000),
				{Name: FieldLastUpdated, Type: TypeTimestamp},
			},
			NaturalKey: []Field{FieldTaxCode, FieldTaxYear},
			Watermark:  FieldLastUpdated,
		},
		{
			Name: CostMatrixEntry,
			Fields: []FieldDef{
				str(FieldRegion),
				str(FieldBuildingType),
				year(FieldMatrixYear),
				str(FieldCategory),
				str(FieldDescription),
				money(FieldBaseCost),
				money(FieldMinCost),
				money(FieldMaxCost),
				money(FieldMeanCost),
				bounded(FieldRegionFactor, TypeFloat, 0, 10),
				bounded(FieldComplexityFactor, TypeFloat, 0, 10),
				bounded(FieldQualityFactor, TypeFloat, 0, 10),
				{Name: FieldLastUpdated, Type: TypeTimestamp},
			},
			NaturalKey: []Field{FieldRegion, FieldBuildingType, FieldMatrixYear},
			Watermark:  FieldLastUpdated,
		},
	}

	for _, e := range entities {
		e.build()
	}
	return entities
}
