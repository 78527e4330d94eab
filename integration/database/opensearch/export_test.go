package opensearch

var (
	Stamp      = stamp
	ParseStamp = parseStamp
)
