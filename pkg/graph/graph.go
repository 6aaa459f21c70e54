package graph

import (
	"fmt"
	"sort"
	"strings"
)

// Plan is the partial order for one scan: each selected module with its
// dependency set restricted to the selection. There is deliberately no
// single linear order; the scheduler derives readiness from Deps alone.
type Plan struct {
	// Modules holds the selected module names in deterministic order.
	Modules []string

	// Deps maps a module to its dependencies within the selection.
	Deps map[string][]string

	// Dependents is the reverse edge set, used for unblock/cascade walks.
	Dependents map[string][]string

	// Unsatisfied maps a module to declared dependencies that were not
	// selected. Such modules are skipped at schedule time, never an error.
	Unsatisfied map[string][]string
}

// CycleError reports a dependency cycle. This is a fatal configuration
// problem: a cyclic graph can never be scheduled.
type CycleError struct {
	Members []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle involving: %s", strings.Join(e.Members, " -> "))
}

// UnknownModuleError reports a selected name that no descriptor defines.
type UnknownModuleError struct {
	Name string
}

func (e *UnknownModuleError) Error() string {
	return fmt.Sprintf("unknown module: %s", e.Name)
}

const (
	white = iota // unvisited
	grey         // on the recursion stack
	black        // fully explored
)

// Build validates the selected modules against the registry's dependency
// relation and produces the execution plan. registry maps every known
// module name to its declared dependencies.
func Build(selected []string, registry map[string][]string) (*Plan, error) {
	inSelection := make(map[string]bool, len(selected))
	for _, name := range selected {
		if _, ok := registry[name]; !ok {
			return nil, &UnknownModuleError{Name: name}
		}
		inSelection[name] = true
	}

	names := make([]string, 0, len(inSelection))
	for name := range inSelection {
		names = append(names, name)
	}
	sort.Strings(names)

	plan := &Plan{
		Modules:     names,
		Deps:        make(map[string][]string, len(names)),
		Dependents:  make(map[string][]string, len(names)),
		Unsatisfied: make(map[string][]string),
	}

	for _, name := range names {
		for _, dep := range registry[name] {
			if inSelection[dep] {
				plan.Deps[name] = append(plan.Deps[name], dep)
				plan.Dependents[dep] = append(plan.Dependents[dep], name)
			} else {
				plan.Unsatisfied[name] = append(plan.Unsatisfied[name], dep)
			}
		}
	}

	if cycle := findCycle(names, plan.Deps); cycle != nil {
		return nil, &CycleError{Members: cycle}
	}

	return plan, nil
}

// findCycle runs a DFS with recursion-stack coloring and returns the members
// of the first cycle found, in traversal order.
func findCycle(names []string, deps map[string][]string) []string {
	color := make(map[string]int, len(names))
	stack := []string{}

	var visit func(name string) []string
	visit = func(name string) []string {
		color[name] = grey
		stack = append(stack, name)

		for _, dep := range deps[name] {
			switch color[dep] {
			case grey:
				// Cut the stack back to where the cycle begins.
				for i, n := range stack {
					if n == dep {
						return append([]string{}, stack[i:]...)
					}
				}
				return []string{dep, name}
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[name] = black
		return nil
	}

	for _, name := range names {
		if color[name] == white {
			if cycle := visit(name); cycle != nil {
				return cycle
			}
		}
	}

	return nil
}
