package auth

// Organization roles as stored in org_members, plus the platform founder role.
const (
	RoleFounder           = "founder"
	RoleOwner             = "owner"
	RoleAdmin             = "admin"
	RoleComplianceOfficer = "compliance_officer"
	RoleMember            = "member"
	RoleViewer            = "viewer"
)

const (
	PermComplianceRead      = "compliance.read"
	PermComplianceRecompute = "compliance.recompute"
	PermAutomationTrigger   = "automation.trigger"
	PermOnboardingRead      = "onboarding.read"
	PermControlPlaneManage  = "controlplane.manage"
)

var rolePermissions = map[string][]string{
	RoleFounder: {
		PermComplianceRead, PermComplianceRecompute, PermAutomationTrigger,
		PermOnboardingRead, PermControlPlaneManage,
	},
	RoleOwner:             {PermComplianceRead, PermComplianceRecompute, PermAutomationTrigger, PermOnboardingRead},
	RoleAdmin:             {PermComplianceRead, PermComplianceRecompute, PermAutomationTrigger, PermOnboardingRead},
	RoleComplianceOfficer: {PermComplianceRead, PermComplianceRecompute, PermAutomationTrigger, PermOnboardingRead},
	RoleMember:            {PermComplianceRead, PermAutomationTrigger, PermOnboardingRead},
	RoleViewer:            {PermComplianceRead, PermOnboardingRead},
}
