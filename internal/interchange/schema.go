package interchange

// Dataset file names under <output>/interchange/.
const (
	HillslopeWat  = "H.wat.parquet"
	HillslopeLoss = "H.loss.parquet"
	HillslopeSoil = "H.soil.parquet"
	PassPw0       = "pass_pw0.events.parquet"
	ChanOut       = "chan.out.parquet"
	ChanWB        = "chanwb.parquet"
	ChnWB         = "chnwb.parquet"
	EbePw0        = "ebe_pw0.parquet"
	SoilPw0       = "soil_pw0.parquet"
	LossPw0       = "loss_pw0.parquet"
	TotalWatSed3  = "totalwatsed3.parquet"
)

// WatRow is one daily water balance record of a hillslope OFE.
type WatRow struct {
	WeppID         int32   `parquet:"wepp_id"`
	OFE            int32   `parquet:"ofe_id"`
	Julian         int32   `parquet:"julian"`
	Year           int32   `parquet:"year"`
	Precip         float64 `parquet:"P"`
	RainMelt       float64 `parquet:"RM"`
	Runoff         float64 `parquet:"Q"`
	PlantTransp    float64 `parquet:"Ep"`
	SoilEvap       float64 `parquet:"Es"`
	ResidueEvap    float64 `parquet:"Er"`
	Percolation    float64 `parquet:"Dp"`
	UpstreamQ      float64 `parquet:"UpStrmQ"`
	SubsurfaceIn   float64 `parquet:"SubRIn"`
	LateralFlow    float64 `parquet:"latqcc"`
	TotalSoilWater float64 `parquet:"Total-Soil Water"`
	FrozenWater    float64 `parquet:"frozwt"`
	SnowWater      float64 `parquet:"Snow-Water"`
	Area           float64 `parquet:"Area"`
}

var watUnits = map[string]string{
	"P": "mm", "RM": "mm", "Q": "mm", "Ep": "mm", "Es": "mm", "Er": "mm", "Dp": "mm",
	"UpStrmQ": "mm", "SubRIn": "mm", "latqcc": "mm", "Total-Soil Water": "mm",
	"frozwt": "mm", "Snow-Water": "mm", "Area": "m^2",
}

func watRow(id int32, f []float64) WatRow {
	return WatRow{
		WeppID: id, OFE: int32(f[0]), Julian: int32(f[1]), Year: int32(f[2]),
		Precip: f[3], RainMelt: f[4], Runoff: f[5], PlantTransp: f[6], SoilEvap: f[7],
		ResidueEvap: f[8], Percolation: f[9], UpstreamQ: f[10], SubsurfaceIn: f[11],
		LateralFlow: f[12], TotalSoilWater: f[13], FrozenWater: f[14], SnowWater: f[15],
		Area: f[16],
	}
}

// LossRow is one yearly erosion summary of a hillslope.
type LossRow struct {
	WeppID      int32   `parquet:"wepp_id"`
	Year        int32   `parquet:"year"`
	Precip      float64 `parquet:"precip"`
	Runoff      float64 `parquet:"runoff"`
	SoilLoss    float64 `parquet:"soil_loss"`
	SedimentDel float64 `parquet:"sed_del"`
}

var lossUnits = map[string]string{"precip": "mm", "runoff": "mm", "soil_loss": "kg", "sed_del": "kg"}

func lossRow(id int32, f []float64) LossRow {
	return LossRow{WeppID: id, Year: int32(f[0]), Precip: f[1], Runoff: f[2], SoilLoss: f[3], SedimentDel: f[4]}
}

// SoilRow is one daily soil state record of an OFE (hillslope or channel).
type SoilRow struct {
	WeppID     int32   `parquet:"wepp_id"`
	OFE        int32   `parquet:"ofe_id"`
	Julian     int32   `parquet:"julian"`
	Year       int32   `parquet:"year"`
	Porosity   float64 `parquet:"Poros"`
	Keff       float64 `parquet:"Keff"`
	Suction    float64 `parquet:"Suct"`
	FieldCap   float64 `parquet:"FC"`
	WiltPoint  float64 `parquet:"WP"`
	Roughness  float64 `parquet:"Rough"`
	Ki         float64 `parquet:"Ki"`
	Kr         float64 `parquet:"Kr"`
	Tauc       float64 `parquet:"Tauc"`
	Saturation float64 `parquet:"Saturation"`
	TSW        float64 `parquet:"TSW"`
}

var soilUnits = map[string]string{
	"Poros": "%", "Keff": "mm/hr", "Suct": "mm", "FC": "mm/mm", "WP": "mm/mm", "Rough": "mm",
	"Ki": "adjsmt", "Kr": "adjsmt", "Tauc": "Pa", "Saturation": "frac", "TSW": "mm",
}

func soilRow(id int32, f []float64) SoilRow {
	return SoilRow{
		WeppID: id, OFE: int32(f[0]), Julian: int32(f[1]), Year: int32(f[2]),
		Porosity: f[3], Keff: f[4], Suction: f[5], FieldCap: f[6], WiltPoint: f[7],
		Roughness: f[8], Ki: f[9], Kr: f[10], Tauc: f[11], Saturation: f[12], TSW: f[13],
	}
}

// PassRow is one hillslope contribution to the watershed pass file.
type PassRow struct {
	Year     int32   `parquet:"year"`
	Julian   int32   `parquet:"julian"`
	WeppID   int32   `parquet:"wepp_id"`
	Runoff   float64 `parquet:"runoff_volume"`
	Sediment float64 `parquet:"sed_del"`
	Lateral  float64 `parquet:"lateral_volume"`
	Baseflow float64 `parquet:"baseflow_volume"`
}

var passUnits = map[string]string{"runoff_volume": "m^3", "sed_del": "kg", "lateral_volume": "m^3", "baseflow_volume": "m^3"}

func passRow(f []float64) PassRow {
	return PassRow{Year: int32(f[0]), Julian: int32(f[1]), WeppID: int32(f[2]), Runoff: f[3], Sediment: f[4], Lateral: f[5], Baseflow: f[6]}
}

// ChanPeakRow is one peak discharge record from chan.out.
type ChanPeakRow struct {
	Year   int32   `parquet:"year"`
	Julian int32   `parquet:"julian"`
	ElmtID int32   `parquet:"Elmt_ID"`
	ChanID int32   `parquet:"Chan_ID"`
	TimeS  float64 `parquet:"Time (s)"`
	PeakQ  float64 `parquet:"Peak_Discharge"`
}

var chanUnits = map[string]string{"Time (s)": "s", "Peak_Discharge": "m^3/s"}

func chanPeakRow(f []float64) ChanPeakRow {
	return ChanPeakRow{Year: int32(f[0]), Julian: int32(f[1]), ElmtID: int32(f[2]), ChanID: int32(f[3]), TimeS: f[4], PeakQ: f[5]}
}

// ChanWBRow is one daily channel water balance record from chanwb.out.
type ChanWBRow struct {
	Year     int32   `parquet:"year"`
	Julian   int32   `parquet:"julian"`
	ChanID   int32   `parquet:"Chan_ID"`
	Inflow   float64 `parquet:"Inflow"`
	Outflow  float64 `parquet:"Outflow"`
	Storage  float64 `parquet:"Storage"`
	Baseflow float64 `parquet:"Baseflow"`
	Loss     float64 `parquet:"Loss"`
	Balance  float64 `parquet:"Balance"`
}

var chanWBUnits = map[string]string{
	"Inflow": "m^3", "Outflow": "m^3", "Storage": "m^3", "Baseflow": "m^3", "Loss": "m^3", "Balance": "m^3",
}

func chanWBRow(f []float64) ChanWBRow {
	return ChanWBRow{Year: int32(f[0]), Julian: int32(f[1]), ChanID: int32(f[2]), Inflow: f[3], Outflow: f[4], Storage: f[5], Baseflow: f[6], Loss: f[7], Balance: f[8]}
}

// ChnWBRow is one daily channel OFE water balance record from chnwb.txt.
type ChnWBRow struct {
	OFE            int32   `parquet:"ofe_id"`
	Julian         int32   `parquet:"julian"`
	Year           int32   `parquet:"year"`
	Precip         float64 `parquet:"P"`
	RainMelt       float64 `parquet:"RM"`
	Runoff         float64 `parquet:"Q"`
	PlantTransp    float64 `parquet:"Ep"`
	SoilEvap       float64 `parquet:"Es"`
	ResidueEvap    float64 `parquet:"Er"`
	Percolation    float64 `parquet:"Dp"`
	TotalSoilWater float64 `parquet:"Total-Soil Water"`
	Area           float64 `parquet:"Area"`
}

var chnWBUnits = map[string]string{
	"P": "mm", "RM": "mm", "Q": "mm", "Ep": "mm", "Es": "mm", "Er": "mm", "Dp": "mm",
	"Total-Soil Water": "mm", "Area": "m^2",
}

func chnWBRow(f []float64) ChnWBRow {
	return ChnWBRow{
		OFE: int32(f[0]), Julian: int32(f[1]), Year: int32(f[2]),
		Precip: f[3], RainMelt: f[4], Runoff: f[5], PlantTransp: f[6], SoilEvap: f[7],
		ResidueEvap: f[8], Percolation: f[9], TotalSoilWater: f[10], Area: f[11],
	}
}

// EbeRow is one outlet event from ebe_pw0.txt.
type EbeRow struct {
	Day      int32   `parquet:"da"`
	Month    int32   `parquet:"mo"`
	Year     int32   `parquet:"year"`
	Precip   float64 `parquet:"Precip"`
	Runoff   float64 `parquet:"Runoff_Volume"`
	PeakQ    float64 `parquet:"Peak_Runoff"`
	Sediment float64 `parquet:"Sediment_Yield"`
	ElmtID   int32   `parquet:"Elmt_ID"`
}

var ebeUnits = map[string]string{"Precip": "mm", "Runoff_Volume": "m^3", "Peak_Runoff": "m^3/s", "Sediment_Yield": "kg"}

func ebeRow(f []float64) EbeRow {
	return EbeRow{Day: int32(f[0]), Month: int32(f[1]), Year: int32(f[2]), Precip: f[3], Runoff: f[4], PeakQ: f[5], Sediment: f[6], ElmtID: int32(f[7])}
}

// LossPw0Row is one yearly watershed summary from loss_pw0.txt.
type LossPw0Row struct {
	Year          int32   `parquet:"year"`
	Precip        float64 `parquet:"precip"`
	Runoff        float64 `parquet:"runoff_volume"`
	SedimentYield float64 `parquet:"sediment_yield"`
	HillslopeLoss float64 `parquet:"hillslope_soil_loss"`
}

var lossPw0Units = map[string]string{"precip": "mm", "runoff_volume": "m^3", "sediment_yield": "tonne", "hillslope_soil_loss": "tonne"}

func lossPw0Row(f []float64) LossPw0Row {
	return LossPw0Row{Year: int32(f[0]), Precip: f[1], Runoff: f[2], SedimentYield: f[3], HillslopeLoss: f[4]}
}

// TotalWatSedRow is one day of the watershed-wide water and sediment budget.
type TotalWatSedRow struct {
	Year        int32   `parquet:"year"`
	Julian      int32   `parquet:"julian"`
	Area        float64 `parquet:"Area"`
	Precip      float64 `parquet:"Precipitation"`
	RainMelt    float64 `parquet:"Rain+Melt"`
	Runoff      float64 `parquet:"Runoff"`
	Lateral     float64 `parquet:"Lateral Flow"`
	Percolation float64 `parquet:"Percolation"`
	ET          float64 `parquet:"ET"`
	SoilWater   float64 `parquet:"Total-Soil Water"`
	GWStorage   float64 `parquet:"Reservoir Volume"`
	Baseflow    float64 `parquet:"Baseflow"`
	Seepage     float64 `parquet:"Aquifer Losses"`
	Streamflow  float64 `parquet:"Streamflow"`
	Sediment    float64 `parquet:"Sed. Del"`
}

var totalWatSedUnits = map[string]string{
	"Area": "m^2", "Precipitation": "mm", "Rain+Melt": "mm", "Runoff": "mm", "Lateral Flow": "mm",
	"Percolation": "mm", "ET": "mm", "Total-Soil Water": "mm", "Reservoir Volume": "mm",
	"Baseflow": "mm", "Aquifer Losses": "mm", "Streamflow": "mm", "Sed. Del": "kg",
}
