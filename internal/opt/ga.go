// Package opt refines delivery ordering per drone with a genetic algorithm.
// The assignment itself is fixed upstream; sequencing within each drone is
// the decision variable.
package opt

import (
	"math/rand"
	"runtime"
	"sort"
	"time"

	"dronefleet/internal/geo"
	"dronefleet/internal/model"
	"dronefleet/internal/routing"
)

// Tuning defaults. A fixed seed reproduces identical output for identical
// input.
const (
	DefaultPopulation  = 40
	DefaultGenerations = 120
	DefaultPlateau     = 25
	tournamentSize     = 3
	crossoverProb      = 0.8
	mutationProb       = 0.15

	// violationPenalty dominates any achievable distance, so a feasible
	// individual always outranks an infeasible one.
	violationPenalty = 1e6
)

// Problem is one optimization instance over an immutable snapshot.
type Problem struct {
	View       *geo.View
	Drones     []*model.Drone
	Deliveries map[string]*model.Delivery
	Base       map[string][]string // CSP ordering: drone id -> delivery ids
	Paths      *routing.Cache
	At         time.Time

	PopulationSize int
	Generations    int
	PlateauWindow  int
	Workers        int
}

// Solution is the best ordering found.
type Solution struct {
	Orders   map[string][]string
	Cost     float64
	Feasible bool
}

// Metrics reports how the search went.
type Metrics struct {
	Generations    int     `json:"generations"`
	Evaluations    int     `json:"evaluations"`
	Improvements   int     `json:"improvements"`
	BestCost       float64 `json:"bestCost"`
	SeedCost       float64 `json:"seedCost"`
	PlateauStopped bool    `json:"plateauStopped"`
	CapHit         bool    `json:"capHit"` // generation cap reached before plateau
}

type individual struct {
	orders   map[string][]string
	cost     float64
	feasible bool
}

// Solve runs the GA. The population is seeded with the CSP's base ordering
// plus random permutations; the best individual ever seen is never lost.
func Solve(p Problem, seed int64) (Solution, Metrics) {
	if p.PopulationSize <= 0 {
		p.PopulationSize = DefaultPopulation
	}
	if p.Generations <= 0 {
		p.Generations = DefaultGenerations
	}
	if p.PlateauWindow <= 0 {
		p.PlateauWindow = DefaultPlateau
	}
	if p.Workers <= 0 {
		p.Workers = runtime.GOMAXPROCS(0)
	}
	if p.Paths == nil {
		p.Paths = routing.NewCache()
	}
	rng := rand.New(rand.NewSource(seed))

	droneIDs := make([]string, 0, len(p.Drones))
	drones := map[string]*model.Drone{}
	for _, d := range p.Drones {
		droneIDs = append(droneIDs, d.ID)
		drones[d.ID] = d
	}
	sort.Strings(droneIDs)

	pop := make([]*individual, p.PopulationSize)
	pop[0] = &individual{orders: cloneOrders(p.Base)}
	for i := 1; i < p.PopulationSize; i++ {
		pop[i] = &individual{orders: shuffleOrders(p.Base, droneIDs, rng)}
	}

	var m Metrics
	evaluate(&p, drones, droneIDs, pop, &m)
	best := clone(pop[0])
	for _, ind := range pop {
		if ind.cost < best.cost {
			best = clone(ind)
		}
	}
	m.SeedCost = pop[0].cost
	m.BestCost = best.cost

	sinceImproved := 0
	for gen := 0; gen < p.Generations; gen++ {
		m.Generations++
		next := make([]*individual, 0, p.PopulationSize)
		next = append(next, clone(best)) // elitism
		for len(next) < p.PopulationSize {
			a := tournament(pop, rng)
			b := tournament(pop, rng)
			child := cloneOrders(a.orders)
			if rng.Float64() < crossoverProb {
				child = crossover(a.orders, b.orders, droneIDs, rng)
			}
			if rng.Float64() < mutationProb {
				mutate(child, droneIDs, rng)
			}
			next = append(next, &individual{orders: child})
		}
		pop = next
		evaluate(&p, drones, droneIDs, pop, &m)

		improved := false
		for _, ind := range pop {
			if ind.cost < best.cost {
				best = clone(ind)
				improved = true
			}
		}
		if improved {
			m.Improvements++
			m.BestCost = best.cost
			sinceImproved = 0
		} else {
			sinceImproved++
			if sinceImproved >= p.PlateauWindow {
				m.PlateauStopped = true
				break
			}
		}
	}
	m.CapHit = !m.PlateauStopped
	return Solution{Orders: best.orders, Cost: best.cost, Feasible: best.feasible}, m
}

// evaluate scores the population. Individuals are independent, so fitness
// runs on a bounded worker pool; workers only read the snapshot.
func evaluate(p *Problem, drones map[string]*model.Drone, droneIDs []string, pop []*individual, m *Metrics) {
	type job struct{ idx int }
	jobs := make(chan job)
	done := make(chan struct{})
	workers := p.Workers
	if workers > len(pop) {
		workers = len(pop)
	}
	for w := 0; w < workers; w++ {
		go func() {
			for j := range jobs {
				ind := pop[j.idx]
				ind.cost, ind.feasible = fitness(p, drones, droneIDs, ind.orders)
			}
			done <- struct{}{}
		}()
	}
	for i := range pop {
		jobs <- job{idx: i}
	}
	close(jobs)
	for w := 0; w < workers; w++ {
		<-done
	}
	m.Evaluations += len(pop)
}

// fitness prices an ordering: total distance plus flight time, with penalty
// terms for time-window misses and range overflow scaled to dominate any
// distance improvement.
func fitness(p *Problem, drones map[string]*model.Drone, droneIDs []string, orders map[string][]string) (float64, bool) {
	total := 0.0
	feasible := true
	for _, id := range droneIDs {
		dr := drones[id]
		queue := orders[id]
		payload := 0.0
		for _, did := range queue {
			payload += p.Deliveries[did].Weight
		}
		pos := dr.Position
		elapsed := 0.0
		energy := 0.0
		for _, did := range queue {
			d := p.Deliveries[did]
			path, err := p.Paths.FindPath(p.View, pos, d.Position)
			if err != nil {
				total += violationPenalty
				feasible = false
				continue
			}
			total += path.Dist
			flight := path.Dist / dr.Speed
			energy += dr.EnergyFor(path.Dist, payload)
			elapsed += flight
			if d.Window != nil {
				arrival := p.At.Add(time.Duration(elapsed * float64(time.Second)))
				if !d.Window.End.IsZero() && arrival.After(d.Window.End) {
					late := arrival.Sub(d.Window.End).Seconds()
					total += violationPenalty + late
					feasible = false
				} else if !d.Window.Start.IsZero() && arrival.Before(d.Window.Start) {
					elapsed += d.Window.Start.Sub(arrival).Seconds()
				}
			}
			payload -= d.Weight
			pos = d.Position
		}
		if len(queue) > 0 {
			if back, err := p.Paths.FindPath(p.View, pos, dr.Start); err == nil {
				energy += dr.EnergyFor(back.Dist, 0)
			} else {
				total += violationPenalty
				feasible = false
			}
		}
		if over := energy - dr.BatteryLeft; over > 0 {
			total += violationPenalty + over
			feasible = false
		}
		total += elapsed * 0.1 // mild pressure toward faster schedules
	}
	return total, feasible
}

func tournament(pop []*individual, rng *rand.Rand) *individual {
	best := pop[rng.Intn(len(pop))]
	for i := 1; i < tournamentSize; i++ {
		c := pop[rng.Intn(len(pop))]
		if c.cost < best.cost {
			best = c
		}
	}
	return best
}

// crossover applies partially-mapped recombination to each drone's sequence
// independently, then repairs duplicates/missing so every child is a valid
// permutation of the parent's deliveries.
func crossover(a, b map[string][]string, droneIDs []string, rng *rand.Rand) map[string][]string {
	child := map[string][]string{}
	for _, id := range droneIDs {
		child[id] = pmx(a[id], b[id], rng)
	}
	return child
}

func pmx(a, b []string, rng *rand.Rand) []string {
	n := len(a)
	if n < 2 {
		return append([]string(nil), a...)
	}
	lo := rng.Intn(n)
	hi := rng.Intn(n)
	if lo > hi {
		lo, hi = hi, lo
	}
	child := make([]string, n)
	used := map[string]bool{}
	for i := lo; i <= hi; i++ {
		child[i] = b[i]
		used[b[i]] = true
	}
	fill := make([]string, 0, n)
	for _, g := range a {
		if !used[g] {
			fill = append(fill, g)
		}
	}
	fi := 0
	for i := 0; i < n; i++ {
		if child[i] == "" {
			child[i] = fill[fi]
			fi++
		}
	}
	return repair(child, a)
}

// repair restores a valid permutation if recombination produced a duplicate
// or dropped a delivery.
func repair(child, reference []string) []string {
	want := map[string]bool{}
	for _, g := range reference {
		want[g] = true
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(reference))
	for _, g := range child {
		if want[g] && !seen[g] {
			out = append(out, g)
			seen[g] = true
		}
	}
	for _, g := range reference {
		if !seen[g] {
			out = append(out, g)
		}
	}
	return out
}

// mutate swaps two deliveries within one randomly chosen drone sequence.
func mutate(orders map[string][]string, droneIDs []string, rng *rand.Rand) {
	var eligible []string
	for _, id := range droneIDs {
		if len(orders[id]) >= 2 {
			eligible = append(eligible, id)
		}
	}
	if len(eligible) == 0 {
		return
	}
	id := eligible[rng.Intn(len(eligible))]
	q := orders[id]
	i := rng.Intn(len(q))
	j := rng.Intn(len(q))
	q[i], q[j] = q[j], q[i]
}

func cloneOrders(orders map[string][]string) map[string][]string {
	out := map[string][]string{}
	for id, q := range orders {
		out[id] = append([]string(nil), q...)
	}
	return out
}

func shuffleOrders(base map[string][]string, droneIDs []string, rng *rand.Rand) map[string][]string {
	out := cloneOrders(base)
	for _, id := range droneIDs {
		q := out[id]
		rng.Shuffle(len(q), func(i, j int) { q[i], q[j] = q[j], q[i] })
	}
	return out
}

func clone(ind *individual) *individual {
	return &individual{orders: cloneOrders(ind.orders), cost: ind.cost, feasible: ind.feasible}
}
