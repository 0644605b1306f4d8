package trigger

import "github.com/msageha/testgate/internal/model"

// DefaultAgent owns changes no rule claims.
const DefaultAgent = "qa-engineer"

// Requirements are the quality-gate obligations a rule imposes.
type Requirements struct {
	MinCoverage              float64 `yaml:"min_coverage" json:"min_coverage"`
	RequirePassingTests      bool    `yaml:"require_passing_tests" json:"require_passing_tests"`
	RequireSecurityScan      bool    `yaml:"require_security_scan" json:"require_security_scan"`
	RequireAccessibilityScan bool    `yaml:"require_accessibility_scan" json:"require_accessibility_scan"`
	MinAccessibilityScore    float64 `yaml:"min_accessibility_score" json:"min_accessibility_score"`
	AllowedFailures          int     `yaml:"allowed_failures" json:"allowed_failures"`
}

// Rule maps a path pattern to the tests a change there requires.
type Rule struct {
	Name                string           `yaml:"name" json:"name"`
	Pattern             string           `yaml:"pattern" json:"pattern"`
	TestTypes           []model.TestType `yaml:"test_types" json:"test_types"`
	ResponsibleAgent    string           `yaml:"responsible_agent" json:"responsible_agent"`
	EstimatedDurationMs int              `yaml:"estimated_duration_ms" json:"estimated_duration_ms"`
	QualityGates        Requirements     `yaml:"quality_gates" json:"quality_gates"`
	Priority            int              `yaml:"priority" json:"priority"`
}

// DefaultRequirements apply to paths no rule matches.
func DefaultRequirements() Requirements {
	return Requirements{
		MinCoverage:           80,
		RequirePassingTests:   true,
		MinAccessibilityScore: 95,
	}
}

// DefaultTestTypes run for paths no rule matches.
func DefaultTestTypes() []model.TestType {
	return []model.TestType{model.TestTypeUnit}
}

// BuiltinRules is the ordered rule table for a typical web application layout.
func BuiltinRules() []Rule {
	return []Rule{
		{
			Name:                "auth",
			Pattern:             "src/**/auth/**",
			TestTypes:           []model.TestType{model.TestTypeUnit, model.TestTypeIntegration, model.TestTypeSecurity},
			ResponsibleAgent:    "security-engineer",
			EstimatedDurationMs: 90000,
			QualityGates: Requirements{
				MinCoverage:         90,
				RequirePassingTests: true,
				RequireSecurityScan: true,
			},
			Priority: 100,
		},
		{
			Name:                "api",
			Pattern:             "src/api/**",
			TestTypes:           []model.TestType{model.TestTypeIntegration, model.TestTypeSecurity},
			ResponsibleAgent:    "backend-engineer",
			EstimatedDurationMs: 60000,
			QualityGates: Requirements{
				MinCoverage:         80,
				RequirePassingTests: true,
				RequireSecurityScan: true,
			},
			Priority: 90,
		},
		{
			Name:                "dependencies",
			Pattern:             "{package.json,package-lock.json,yarn.lock,pnpm-lock.yaml}",
			TestTypes:           []model.TestType{model.TestTypeUnit, model.TestTypeSecurity},
			ResponsibleAgent:    "devops-engineer",
			EstimatedDurationMs: 120000,
			QualityGates: Requirements{
				RequirePassingTests: true,
				RequireSecurityScan: true,
			},
			Priority: 85,
		},
		{
			Name:                "database",
			Pattern:             "{src/db/**,**/migrations/**,prisma/**}",
			TestTypes:           []model.TestType{model.TestTypeIntegration},
			ResponsibleAgent:    "database-engineer",
			EstimatedDurationMs: 45000,
			QualityGates: Requirements{
				MinCoverage:         85,
				RequirePassingTests: true,
			},
			Priority: 80,
		},
		{
			Name:                "components",
			Pattern:             "src/components/**/*.{tsx,jsx,vue,svelte}",
			TestTypes:           []model.TestType{model.TestTypeUnit, model.TestTypeAccessibility, model.TestTypeVisual},
			ResponsibleAgent:    "frontend-engineer",
			EstimatedDurationMs: 30000,
			QualityGates: Requirements{
				MinCoverage:              80,
				RequirePassingTests:      true,
				RequireAccessibilityScan: true,
				MinAccessibilityScore:    95,
			},
			Priority: 75,
		},
		{
			Name:                "pages",
			Pattern:             "{src/pages/**,src/app/**,app/**}",
			TestTypes:           []model.TestType{model.TestTypeE2E, model.TestTypeAccessibility},
			ResponsibleAgent:    "frontend-engineer",
			EstimatedDurationMs: 180000,
			QualityGates: Requirements{
				MinCoverage:              70,
				RequirePassingTests:      true,
				RequireAccessibilityScan: true,
				MinAccessibilityScore:    90,
			},
			Priority: 70,
		},
		{
			Name:                "contracts",
			Pattern:             "{src/api/contracts/**,**/*.graphql,**/openapi.{yaml,yml,json}}",
			TestTypes:           []model.TestType{model.TestTypeContract},
			ResponsibleAgent:    "backend-engineer",
			EstimatedDurationMs: 20000,
			QualityGates: Requirements{
				RequirePassingTests: true,
			},
			Priority: 65,
		},
		{
			Name:                "libraries",
			Pattern:             "{src/lib/**,src/utils/**,src/hooks/**}",
			TestTypes:           []model.TestType{model.TestTypeUnit},
			ResponsibleAgent:    "backend-engineer",
			EstimatedDurationMs: 15000,
			QualityGates: Requirements{
				MinCoverage:         85,
				RequirePassingTests: true,
			},
			Priority: 60,
		},
		{
			Name:                "workers",
			Pattern:             "{src/workers/**,src/jobs/**}",
			TestTypes:           []model.TestType{model.TestTypeUnit, model.TestTypePerformance},
			ResponsibleAgent:    "performance-engineer",
			EstimatedDurationMs: 90000,
			QualityGates: Requirements{
				MinCoverage:         80,
				RequirePassingTests: true,
			},
			Priority: 55,
		},
		{
			Name:                "tests",
			Pattern:             "{**/*.test.*,**/*.spec.*,**/__tests__/**}",
			TestTypes:           []model.TestType{model.TestTypeUnit},
			ResponsibleAgent:    "qa-engineer",
			EstimatedDurationMs: 10000,
			QualityGates: Requirements{
				RequirePassingTests: true,
			},
			Priority: 50,
		},
		{
			Name:                "styles",
			Pattern:             "**/*.{css,scss,sass,less}",
			TestTypes:           []model.TestType{model.TestTypeVisual, model.TestTypeAccessibility},
			ResponsibleAgent:    "ui-designer",
			EstimatedDurationMs: 40000,
			QualityGates: Requirements{
				RequireAccessibilityScan: true,
				MinAccessibilityScore:    95,
			},
			Priority: 40,
		},
	}
}
