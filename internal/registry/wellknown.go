package registry

// wellKnownPorts is the last-resort table of service types to default
// host:port pairs, used only when neither discovery, environment, nor the
// local registry knows the service. Hostnames follow the platform's compose
// network naming (lowercased type).
var wellKnownPorts = map[string]string{
	"PostOffice":          "postoffice:5020",
	"MissionControl":      "missioncontrol:5030",
	"Librarian":           "librarian:5040",
	"Engineer":            "engineer:5050",
	"CapabilitiesManager": "capabilitiesmanager:5060",
	"Brain":               "brain:5070",
	"TrafficManager":      "trafficmanager:5080",
	"AgentSet":            "agentset:5100",
	"SecurityManager":     "securitymanager:5010",

	// Per-domain assistant surfaces, ports 3000-3017.
	"FrontEnd":            "frontend:3000",
	"MissionAssistant":    "missionassistant:3001",
	"DocumentAssistant":   "documentassistant:3002",
	"AnalyticsAssistant":  "analyticsassistant:3003",
	"FormsAssistant":      "formsassistant:3004",
	"CalendarAssistant":   "calendarassistant:3005",
	"EmailAssistant":      "emailassistant:3006",
	"ResearchAssistant":   "researchassistant:3007",
	"CodeAssistant":       "codeassistant:3008",
	"DataAssistant":       "dataassistant:3009",
	"MediaAssistant":      "mediaassistant:3010",
	"PlannerAssistant":    "plannerassistant:3011",
	"FinanceAssistant":    "financeassistant:3012",
	"LegalAssistant":      "legalassistant:3013",
	"SupportAssistant":    "supportassistant:3014",
	"MarketingAssistant":  "marketingassistant:3015",
	"RecruitingAssistant": "recruitingassistant:3016",
	"OperationsAssistant": "operationsassistant:3017",
}

// WellKnownTypes returns the service types with default host:port pairs.
func WellKnownTypes() []string {
	out := make([]string, 0, len(wellKnownPorts))
	for typ := range wellKnownPorts {
		out = append(out, typ)
	}
	return out
}
