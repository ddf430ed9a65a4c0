package threat

import (
	"math"
	"strings"
)

const earthRadiusKm = 6371.0

// coordinate is a WGS84 point.
type coordinate struct {
	Lat float64
	Lon float64
}

// cityCoordinates maps lowercase city names to coordinates. Locations are
// pre-resolved strings like "Berlin, Germany"; the first comma component is
// the city. Unresolvable cities make a travel pair unverifiable and the pair
// is skipped.
var cityCoordinates = map[string]coordinate{
	"amsterdam":      {52.3676, 4.9041},
	"athens":         {37.9838, 23.7275},
	"bangkok":        {13.7563, 100.5018},
	"beijing":        {39.9042, 116.4074},
	"berlin":         {52.5200, 13.4050},
	"boston":         {42.3601, -71.0589},
	"brussels":       {50.8503, 4.3517},
	"buenos aires":   {-34.6037, -58.3816},
	"cairo":          {30.0444, 31.2357},
	"cape town":      {-33.9249, 18.4241},
	"chicago":        {41.8781, -87.6298},
	"copenhagen":     {55.6761, 12.5683},
	"dubai":          {25.2048, 55.2708},
	"dublin":         {53.3498, -6.2603},
	"frankfurt":      {50.1109, 8.6821},
	"helsinki":       {60.1699, 24.9384},
	"hong kong":      {22.3193, 114.1694},
	"istanbul":       {41.0082, 28.9784},
	"jakarta":        {-6.2088, 106.8456},
	"johannesburg":   {-26.2041, 28.0473},
	"lagos":          {6.5244, 3.3792},
	"lisbon":         {38.7223, -9.1393},
	"london":         {51.5074, -0.1278},
	"los angeles":    {34.0522, -118.2437},
	"madrid":         {40.4168, -3.7038},
	"melbourne":      {-37.8136, 144.9631},
	"mexico city":    {19.4326, -99.1332},
	"miami":          {25.7617, -80.1918},
	"moscow":         {55.7558, 37.6173},
	"mumbai":         {19.0760, 72.8777},
	"munich":         {48.1351, 11.5820},
	"new york":       {40.7128, -74.0060},
	"osaka":          {34.6937, 135.5023},
	"oslo":           {59.9139, 10.7522},
	"paris":          {48.8566, 2.3522},
	"prague":         {50.0755, 14.4378},
	"rio de janeiro": {-22.9068, -43.1729},
	"rome":           {41.9028, 12.4964},
	"san francisco":  {37.7749, -122.4194},
	"sao paulo":      {-23.5505, -46.6333},
	"seattle":        {47.6062, -122.3321},
	"seoul":          {37.5665, 126.9780},
	"shanghai":       {31.2304, 121.4737},
	"singapore":      {1.3521, 103.8198},
	"stockholm":      {59.3293, 18.0686},
	"sydney":         {-33.8688, 151.2093},
	"tokyo":          {35.6762, 139.6503},
	"toronto":        {43.6532, -79.3832},
	"vancouver":      {49.2827, -123.1207},
	"vienna":         {48.2082, 16.3738},
	"warsaw":         {52.2297, 21.0122},
	"zurich":         {47.3769, 8.5417},
}

// parseLocation splits "City, [Region,] Country" into city and country.
// The last component is the country, the first the city.
func parseLocation(location string) (city, country string) {
	parts := strings.Split(location, ",")
	if len(parts) == 0 {
		return "", ""
	}
	city = strings.TrimSpace(parts[0])
	country = strings.TrimSpace(parts[len(parts)-1])
	return city, country
}

// lookupCity resolves a city name against the gazetteer.
func lookupCity(city string) (coordinate, bool) {
	c, ok := cityCoordinates[strings.ToLower(strings.TrimSpace(city))]
	return c, ok
}

// haversineKm computes the great-circle distance between two points.
func haversineKm(a, b coordinate) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// locationDistanceKm resolves both locations and returns the distance, or
// false when either city is not in the gazetteer.
func locationDistanceKm(locA, locB string) (float64, bool) {
	cityA, _ := parseLocation(locA)
	cityB, _ := parseLocation(locB)

	a, okA := lookupCity(cityA)
	b, okB := lookupCity(cityB)
	if !okA || !okB {
		return 0, false
	}
	return haversineKm(a, b), true
}
