package main

// ServiceOffering is one entry of the public service catalog.
type ServiceOffering struct {
	Name       string `json:"name"`
	Summary    string `json:"summary"`
	StartingAt string `json:"startingAt"`
}

var (
	Services = []ServiceOffering{
		{
			Name: "Web Development",
			Summary: `Fast, accessible websites and web apps built with Go on the backend and
	a light frontend, from a single landing page to a full product.`,
			StartingAt: "$2,500",
		},
		{
			Name: "Backend & APIs",
			Summary: `REST and JSON APIs, background workers, and integrations with payment,
	email and storage providers, with tests and deployment included.`,
			StartingAt: "$3,000",
		},
		{
			Name: "CLI & Developer Tools",
			Summary: `Terminal applications and internal tooling that automate the repetitive
	parts of a team's workflow.`,
			StartingAt: "$1,500",
		},
		{
			Name: "Technical Consulting",
			Summary: `Architecture reviews, performance investigations and hands-on pairing
	for teams adopting Go.`,
			StartingAt: "$150/hour",
		},
	}

	Budgets = []string{
		"Under $2,500",
		"$2,500 - $5,000",
		"$5,000 - $10,000",
		"$10,000+",
		"Not sure yet",
	}

	Timelines = []string{
		"ASAP",
		"Within a month",
		"1-3 months",
		"Flexible",
	}
)

func serviceNames() []string {
	names := make([]string, len(Services))
	for i, s := range Services {
		names[i] = s.Name
	}
	return names
}
