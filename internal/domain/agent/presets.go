package agent

// Seed describes a core agent created at registry bootstrap when absent.
type Seed struct {
	Key          string
	Name         string
	Capabilities []Capability
	Metadata     Metadata
}

// CoreSeeds returns the built-in agent roster. Seeding is idempotent: agents
// already loaded from the store are left untouched.
func CoreSeeds() []Seed {
	return []Seed{
		{
			Key:          "lucid",
			Name:         "LUCID",
			Capabilities: []Capability{CapabilityCode, CapabilityAnalysis},
			Metadata:     Metadata{Tier: TierStandard, Unlock: "Default"},
		},
		{
			Key:          "canvas",
			Name:         "CANVAS",
			Capabilities: []Capability{CapabilityDesign, CapabilityCode},
			Metadata:     Metadata{Tier: TierStandard, Unlock: "Default"},
		},
		{
			Key:          "root",
			Name:         "ROOT",
			Capabilities: []Capability{CapabilityCode, CapabilityAnalysis},
			Metadata:     Metadata{Tier: TierStandard, Unlock: "Trust Score > 60"},
		},
		{
			Key:          "cradle",
			Name:         "CRADLE",
			Capabilities: []Capability{CapabilityCode, CapabilityAnalysis},
			Metadata: Metadata{
				Tier:                 TierPremium,
				Unlock:               "Trust Score > 80 or Token Boost",
				SubscriptionRequired: true,
				Price:                &Price{Amount: 50, Currency: "DREAM", Period: "monthly"},
			},
		},
		{
			Key:          "wing",
			Name:         "WING",
			Capabilities: []Capability{CapabilityCommunication},
			Metadata: Metadata{
				Tier:                 TierPremium,
				Unlock:               "Stake 1000 $SHEEP or complete 10 dreams",
				SubscriptionRequired: true,
				Price:                &Price{Amount: 30, Currency: "DREAM", Period: "monthly"},
			},
		},
		{
			Key:          "wolf-pack",
			Name:         "Wolf Pack",
			Capabilities: []Capability{CapabilityFunding, CapabilityCommunication, CapabilityAnalysis},
			Metadata: Metadata{
				Tier:                 TierPremium,
				Unlock:               "Premium Subscription",
				SubscriptionRequired: true,
				Price:                &Price{Amount: 100, Currency: "DREAM", Period: "monthly"},
			},
		},
	}
}
