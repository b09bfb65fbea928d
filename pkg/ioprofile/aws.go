package ioprofile

import "strings"

// Measured presets keyed by exact instance type. Entries without perDisk
// were measured on the instance's full array and already include every disk.
var awsInstancePresets = map[string]preset{
	"i3.large":  {readIOPS: 111000, readBW: 653925080, writeIOPS: 36800, writeBW: 215066473},
	"i3.xlarge": {readIOPS: 200800, readBW: 1185106376, writeIOPS: 53180, writeBW: 423621267, perDisk: true},

	"i3en.large":   {readIOPS: 43315, readBW: 330301440, writeIOPS: 33177, writeBW: 165675008},
	"i3en.xlarge":  {readIOPS: 84480, readBW: 666894336, writeIOPS: 66969, writeBW: 333447168, perDisk: true},
	"i3en.2xlarge": {readIOPS: 84480, readBW: 666894336, writeIOPS: 66969, writeBW: 333447168, perDisk: true},

	"im4gn.large":    {readIOPS: 33943, readBW: 288433525, writeIOPS: 27877, writeBW: 126864680},
	"im4gn.xlarge":   {readIOPS: 68122, readBW: 576603520, writeIOPS: 55246, writeBW: 254534954},
	"im4gn.2xlarge":  {readIOPS: 136422, readBW: 1152663765, writeIOPS: 92184, writeBW: 508926453},
	"im4gn.4xlarge":  {readIOPS: 273050, readBW: 1638427264, writeIOPS: 92173, writeBW: 1027966826},
	"im4gn.8xlarge":  {readIOPS: 250241, readBW: 1163130709, writeIOPS: 86374, writeBW: 977617664, perDisk: true},
	"im4gn.16xlarge": {readIOPS: 273030, readBW: 1638211413, writeIOPS: 92607, writeBW: 1028340266, perDisk: true},

	"is4gen.medium":  {readIOPS: 33965, readBW: 288462506, writeIOPS: 27876, writeBW: 126954200},
	"is4gen.large":   {readIOPS: 68131, readBW: 576654869, writeIOPS: 55257, writeBW: 254551002},
	"is4gen.xlarge":  {readIOPS: 136413, readBW: 1152747904, writeIOPS: 92180, writeBW: 508889546},
	"is4gen.2xlarge": {readIOPS: 273038, readBW: 1628982613, writeIOPS: 92182, writeBW: 1027983530},
	"is4gen.4xlarge": {readIOPS: 260493, readBW: 1217396928, writeIOPS: 83169, writeBW: 1000390784, perDisk: true},
	"is4gen.8xlarge": {readIOPS: 273021, readBW: 1656354602, writeIOPS: 92233, writeBW: 1028010325, perDisk: true},
}

// Family-wide per-disk presets for sizes not listed above.
var awsClassPresets = map[string]preset{
	"i3":   {readIOPS: 411200, readBW: 2015342735, writeIOPS: 181500, writeBW: 808775652, perDisk: true},
	"i3en": {readIOPS: 257024, readBW: 2043674624, writeIOPS: 174080, writeBW: 1024458752, perDisk: true},
	"i2":   {readIOPS: 64000, readBW: 507338935, writeIOPS: 57100, writeBW: 483141731, perDisk: true},
}

// The Graviton families share one NVMe generation, so presets key on size.
var awsGravitonSizePresets = map[string]preset{
	"medium":   {readIOPS: 14808, readBW: 77869147, writeIOPS: 5972, writeBW: 32820302},
	"large":    {readIOPS: 29690, readBW: 157712240, writeIOPS: 12148, writeBW: 65978069},
	"xlarge":   {readIOPS: 59688, readBW: 318762880, writeIOPS: 24449, writeBW: 133311808},
	"2xlarge":  {readIOPS: 119353, readBW: 634795733, writeIOPS: 49069, writeBW: 266841680},
	"4xlarge":  {readIOPS: 237196, readBW: 1262309504, writeIOPS: 98884, writeBW: 533938080},
	"8xlarge":  {readIOPS: 442945, readBW: 2522688939, writeIOPS: 166021, writeBW: 1063041152},
	"12xlarge": {readIOPS: 353691, readBW: 1908192256, writeIOPS: 146732, writeBW: 806399360, perDisk: true},
	"16xlarge": {readIOPS: 426893, readBW: 2525781589, writeIOPS: 161740, writeBW: 1063389952, perDisk: true},
	"metal":    {readIOPS: 416257, readBW: 2527296683, writeIOPS: 156326, writeBW: 1063657088, perDisk: true},
}

var awsGravitonClasses = map[string]struct{}{
	"c6gd": {}, "m6gd": {}, "r6gd": {}, "x2gd": {},
}

// awsPreset resolves an instance type to its measured preset: exact type
// first, then the family fallback.
func awsPreset(instanceType string) (preset, bool) {
	if p, ok := awsInstancePresets[instanceType]; ok {
		return p, true
	}

	class, size, found := strings.Cut(instanceType, ".")
	if !found {
		return preset{}, false
	}

	if _, ok := awsGravitonClasses[class]; ok {
		p, ok := awsGravitonSizePresets[size]

		return p, ok
	}

	p, ok := awsClassPresets[class]

	return p, ok
}
