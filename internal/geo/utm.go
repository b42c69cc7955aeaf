package geo

import (
	"fmt"
	"math"
)

const (
	wgs84A  = 6378137.0
	wgs84F  = 1 / 298.257223563
	utmK0   = 0.9996
	falseE  = 500000.0
	falseNS = 10000000.0
	// EPSGWGS84 is geographic lon/lat.
	EPSGWGS84 = 4326
)

var (
	wgs84E2  = wgs84F * (2 - wgs84F)
	wgs84EP2 = wgs84E2 / (1 - wgs84E2)
)

// UTMZone decodes a WGS 84 / UTM EPSG code (326zz north, 327zz south).
func UTMZone(epsg int) (zone int, south bool, err error) {
	switch {
	case epsg > 32600 && epsg <= 32660:
		return epsg - 32600, false, nil
	case epsg > 32700 && epsg <= 32760:
		return epsg - 32700, true, nil
	}
	return 0, false, fmt.Errorf("epsg %d is not a WGS 84 / UTM zone", epsg)
}

// UTMEPSG returns the EPSG code of the UTM zone containing lon/lat.
func UTMEPSG(lon, lat float64) int {
	zone := int(math.Floor((lon+180)/6)) + 1
	if zone > 60 {
		zone = 60
	}
	if lat < 0 {
		return 32700 + zone
	}
	return 32600 + zone
}

func centralMeridian(zone int) float64 {
	return float64(zone-1)*6 - 180 + 3
}

// ToLonLat converts projected (x, y) in epsg to WGS 84 lon/lat.
func ToLonLat(epsg int, x, y float64) (lon, lat float64, err error) {
	if epsg == EPSGWGS84 {
		return x, y, nil
	}
	zone, south, err := UTMZone(epsg)
	if err != nil {
		return 0, 0, err
	}
	lon, lat = utmInverse(zone, south, x, y)
	return lon, lat, nil
}

// FromLonLat converts WGS 84 lon/lat to (x, y) in epsg.
func FromLonLat(epsg int, lon, lat float64) (x, y float64, err error) {
	if epsg == EPSGWGS84 {
		return lon, lat, nil
	}
	zone, south, err := UTMZone(epsg)
	if err != nil {
		return 0, 0, err
	}
	x, y = utmForward(zone, south, lon, lat)
	return x, y, nil
}

// ReprojectFunc maps raster coordinates to lon/lat.
type ReprojectFunc func(x, y float64) (lon, lat float64, err error)

// LonLatReprojector returns the ReprojectFunc for epsg.
func LonLatReprojector(epsg int) ReprojectFunc {
	return func(x, y float64) (float64, float64, error) {
		return ToLonLat(epsg, x, y)
	}
}

func meridianArc(phi float64) float64 {
	e2 := wgs84E2
	e4 := e2 * e2
	e6 := e4 * e2
	return wgs84A * ((1-e2/4-3*e4/64-5*e6/256)*phi -
		(3*e2/8+3*e4/32+45*e6/1024)*math.Sin(2*phi) +
		(15*e4/256+45*e6/1024)*math.Sin(4*phi) -
		(35*e6/3072)*math.Sin(6*phi))
}

func utmForward(zone int, south bool, lon, lat float64) (x, y float64) {
	phi := lat * math.Pi / 180
	lam := (lon - centralMeridian(zone)) * math.Pi / 180

	sinPhi, cosPhi := math.Sin(phi), math.Cos(phi)
	tanPhi := math.Tan(phi)
	n := wgs84A / math.Sqrt(1-wgs84E2*sinPhi*sinPhi)
	t := tanPhi * tanPhi
	c := wgs84EP2 * cosPhi * cosPhi
	a := cosPhi * lam
	m := meridianArc(phi)

	x = utmK0*n*(a+(1-t+c)*math.Pow(a, 3)/6+
		(5-18*t+t*t+72*c-58*wgs84EP2)*math.Pow(a, 5)/120) + falseE
	y = utmK0 * (m + n*tanPhi*(a*a/2+
		(5-t+9*c+4*c*c)*math.Pow(a, 4)/24+
		(61-58*t+t*t+600*c-330*wgs84EP2)*math.Pow(a, 6)/720))
	if south {
		y += falseNS
	}
	return x, y
}

func utmInverse(zone int, south bool, x, y float64) (lon, lat float64) {
	e2 := wgs84E2
	x -= falseE
	if south {
		y -= falseNS
	}

	m := y / utmK0
	mu := m / (wgs84A * (1 - e2/4 - 3*e2*e2/64 - 5*e2*e2*e2/256))
	e1 := (1 - math.Sqrt(1-e2)) / (1 + math.Sqrt(1-e2))

	phi1 := mu +
		(3*e1/2-27*math.Pow(e1, 3)/32)*math.Sin(2*mu) +
		(21*e1*e1/16-55*math.Pow(e1, 4)/32)*math.Sin(4*mu) +
		(151*math.Pow(e1, 3)/96)*math.Sin(6*mu) +
		(1097*math.Pow(e1, 4)/512)*math.Sin(8*mu)

	sin1, cos1, tan1 := math.Sin(phi1), math.Cos(phi1), math.Tan(phi1)
	n1 := wgs84A / math.Sqrt(1-e2*sin1*sin1)
	t1 := tan1 * tan1
	c1 := wgs84EP2 * cos1 * cos1
	r1 := wgs84A * (1 - e2) / math.Pow(1-e2*sin1*sin1, 1.5)
	d := x / (n1 * utmK0)

	phi := phi1 - (n1*tan1/r1)*(d*d/2-
		(5+3*t1+10*c1-4*c1*c1-9*wgs84EP2)*math.Pow(d, 4)/24+
		(61+90*t1+298*c1+45*t1*t1-252*wgs84EP2-3*c1*c1)*math.Pow(d, 6)/720)
	lam := (d - (1+2*t1+c1)*math.Pow(d, 3)/6 +
		(5-2*c1+28*t1-3*c1*c1+8*wgs84EP2+24*t1*t1)*math.Pow(d, 5)/120) / cos1

	return centralMeridian(zone) + lam*180/math.Pi, phi * 180 / math.Pi
}
