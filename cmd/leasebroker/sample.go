package main

const sampleCatalog = `# leasebroker catalog: seekers look for listings, owners offer them.
seekers:
  - id: s-ana
    name: Ana
    budget_min: 700
    budget_max: 1100
    min_bedrooms: 1
    max_bedrooms: 2
    preferred_locations:
      - area: Riverside
        lat: 51.5072
        lng: -0.1276
    student: true
    pets: false
    smoker: false
    occupants: 1
  - id: s-ben
    name: Ben
    budget_max: 2400
    min_bedrooms: 3
    max_bedrooms: 4
    preferred_locations:
      - area: Hillcrest
    pets: true
    occupants: 4

owners:
  - id: o-cara
    name: Cara
    listings: [l-river-flat, l-hill-house]
    preferences:
      no_smokers: true
      min_lease_months: 12
      notes: Prefers tenants who can move in within a month.

listings:
  - id: l-river-flat
    owner_id: o-cara
    title: Bright one-bed by the river
    location:
      area: Riverside
      lat: 51.5080
      lng: -0.1290
    rent: 950
    bedrooms: 1
    bathrooms: 1
    category: flat
    amenities: [furnished, laundry, balcony]
    student_friendly: true
  - id: l-hill-house
    owner_id: o-cara
    title: Family house with garden
    location:
      area: Hillcrest
    rent: 2300
    bedrooms: 3
    bathrooms: 2
    category: house
    amenities: [garden, parking, dishwasher]
    pets_allowed: true
`

const samplePlaybook = `---
name: counter-offer
description: Structure a counter offer on rent
keywords: [offer, rent, discount, lease]
roles: [seeker]
---
Anchor below the asking rent but inside the seeker's budget.
Trade something the owner values (a longer lease, an earlier move-in) for each concession.
Never repeat the same number twice in a row.
`
