package monitor

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

const (
	QueryMagic      = "SAMP"
	QueryHeaderSize = 11
	PingPayloadSize = 4
	MaxResponseSize = 4096

	QueryTimeout = 5 * time.Second

	MaxHostnameLength  = 128
	MaxGamemodeLength  = 64
	MaxLanguageLength  = 64
	MaxReportedPlayers = 1000
)

const (
	OpcodeInfo            = byte('i')
	OpcodeRules           = byte('r')
	OpcodePlayers         = byte('c')
	OpcodeDetailedPlayers = byte('d')
	OpcodePing            = byte('p')
	OpcodeExtraInfo       = byte('o')
)

// ServerIdentity identifies a single upstream game server. It is the key for
// every piece of per-server state: cache entries, circuit breakers and
// protection records.
type ServerIdentity struct {
	Host string
	Port int
}

func (id ServerIdentity) Key() string {
	return net.JoinHostPort(id.Host, strconv.Itoa(id.Port))
}

func (id ServerIdentity) String() string {
	return id.Key()
}

type QueryKind int

const (
	QueryInfo QueryKind = iota
	QueryRules
	QueryPlayers
	QueryDetailedPlayers
	QueryPing
	QueryExtraInfo
)

func (kind QueryKind) Opcode() byte {
	switch kind {
	case QueryInfo:
		return OpcodeInfo
	case QueryRules:
		return OpcodeRules
	case QueryPlayers:
		return OpcodePlayers
	case QueryDetailedPlayers:
		return OpcodeDetailedPlayers
	case QueryPing:
		return OpcodePing
	case QueryExtraInfo:
		return OpcodeExtraInfo
	}
	return 0
}

// Cost is the number of rate-limit points a query consumes from the
// per-server scope. Player listings make the upstream server walk its full
// player pool, so they cost more than a plain info packet.
func (kind QueryKind) Cost() int {
	switch kind {
	case QueryPlayers, QueryRules:
		return 2
	case QueryDetailedPlayers:
		return 3
	default:
		return 1
	}
}

func (kind QueryKind) String() string {
	switch kind {
	case QueryInfo:
		return "info"
	case QueryRules:
		return "rules"
	case QueryPlayers:
		return "players"
	case QueryDetailedPlayers:
		return "detailed_players"
	case QueryPing:
		return "ping"
	case QueryExtraInfo:
		return "extra_info"
	}
	return fmt.Sprintf("unknown(%d)", int(kind))
}

// ServerInfo is the parsed payload of an 'i' response.
type ServerInfo struct {
	Passworded bool
	Players    int
	MaxPlayers int
	Hostname   string
	Gamemode   string
	Language   string
}

type ServerRule struct {
	Name  string
	Value string
}

type Player struct {
	Name  string
	Score int32
}

type DetailedPlayer struct {
	ID    byte
	Name  string
	Score int32
	Ping  uint32
}

// OpenMPExtra is the parsed payload of an 'o' response. All fields are
// optional; open.mp servers send whichever subset is configured.
type OpenMPExtra struct {
	DiscordInvite string
	LightBanner   string
	DarkBanner    string
	Logo          string
}

// FullServerInfo aggregates the individual query results. Any subset of the
// pointers may be nil when the corresponding sub-query failed.
type FullServerInfo struct {
	Info    *ServerInfo
	Rules   []ServerRule
	Players []Player
	Ping    time.Duration
	HasPing bool
	OpenMP  *OpenMPExtra
}

func Min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
