package redis

// DefaultPrefix namespaces every key written by this package.
const DefaultPrefix = "itinerary:"

// Key layout, relative to the prefix:
//
//	journeys                     SET  of journey ids
//	active                       SET  of ids of journeys with status active
//	journey:{id}                 HASH meta, graph, status, updated_at, counters
//	journey:{id}:prospects       HASH prospect id -> JSON
//	journey:{id}:versions        HASH prospect id -> version
//	journey:{id}:order           LIST prospect ids in insertion order
//	journey:{id}:due             ZSET active prospect ids scored by nextExecuteAt (ms)
//	engagement:{jid}:{pid}       ZSET signal JSON scored by time (ms)
type keys struct {
	prefix string
}

func (k keys) journeys() string { return k.prefix + "journeys" }
func (k keys) active() string   { return k.prefix + "active" }

func (k keys) journey(id string) string   { return k.prefix + "journey:" + id }
func (k keys) prospects(id string) string { return k.journey(id) + ":prospects" }
func (k keys) versions(id string) string  { return k.journey(id) + ":versions" }
func (k keys) order(id string) string     { return k.journey(id) + ":order" }
func (k keys) due(id string) string       { return k.journey(id) + ":due" }

func (k keys) engagement(journeyID, prospectID string) string {
	return k.prefix + "engagement:" + journeyID + ":" + prospectID
}
