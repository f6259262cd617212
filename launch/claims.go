package launch

import (
	"github.com/lestrrat-go/jwx/jwt"

	"github.com/macewan-cs/lti/datastore"
	"github.com/macewan-cs/lti/token"
)

// LTI claim URIs used during session materialization, beyond the ones
// token.Validator itself inspects for admission control.
const (
	claimRoles               = "https://purl.imsglobal.org/spec/lti/claim/roles"
	claimContext             = "https://purl.imsglobal.org/spec/lti/claim/context"
	claimResourceLink        = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	claimCustom              = "https://purl.imsglobal.org/spec/lti/claim/custom"
	claimLaunchPresentation  = "https://purl.imsglobal.org/spec/lti/claim/launch_presentation"
	claimToolPlatform        = "https://purl.imsglobal.org/spec/lti/claim/tool_platform"
	claimTargetLinkURI       = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	claimMessageType         = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	claimVersion             = "https://purl.imsglobal.org/spec/lti/claim/version"
	claimDeploymentID        = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	claimLis                 = "https://purl.imsglobal.org/spec/lti/claim/lis"
	claimAGSEndpoint         = "https://purl.imsglobal.org/spec/lti-ags/claim/endpoint"
	claimNRPSNamesRoles      = "https://purl.imsglobal.org/spec/lti-nrps/claim/namesroleservice"
	claimDeepLinkingSettings = "https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings"

	messageTypeDeepLinking = "LtiDeepLinkingRequest"
)

// rowsFromResult builds the IdToken and ContextToken rows described in §3
// from a validated token.Result.
func rowsFromResult(result token.Result) (datastore.IDToken, datastore.ContextToken) {
	t := result.Token

	idRow := datastore.IDToken{
		Issuer:       t.Issuer(),
		DeploymentID: mustString(t, claimDeploymentID),
		User:         t.Subject(),
		Roles:        stringSlice(t, claimRoles),
		UserInfo: datastore.UserInfo{
			GivenName:  stdClaimString(t, "given_name"),
			FamilyName: stdClaimString(t, "family_name"),
			Name:       stdClaimString(t, "name"),
			Email:      stdClaimString(t, "email"),
		},
		PlatformInfo: platformInfoFromClaim(t),
		Lis:          objectClaim(t, claimLis),
		Endpoint:     objectClaim(t, claimAGSEndpoint),
		NamesRoles:   objectClaim(t, claimNRPSNamesRoles),
	}

	context, _ := t.Get(claimContext)
	contextMap, _ := context.(map[string]interface{})
	courseID, _ := contextMap["id"].(string)

	resourceLink, _ := t.Get(claimResourceLink)
	resourceLinkMap, _ := resourceLink.(map[string]interface{})
	resourceID, _ := resourceLinkMap["id"].(string)

	contextID := datastore.ContextID(idRow.Issuer, idRow.DeploymentID, courseID, resourceID)

	ctxRow := datastore.ContextToken{
		ContextID:           contextID,
		User:                idRow.User,
		TargetLinkURI:       mustString(t, claimTargetLinkURI),
		Context:             contextMap,
		Resource:            resourceLinkMap,
		Custom:              objectClaim(t, claimCustom),
		LaunchPresentation:  objectClaim(t, claimLaunchPresentation),
		MessageType:         mustString(t, claimMessageType),
		Version:             mustString(t, claimVersion),
		DeepLinkingSettings: objectClaim(t, claimDeepLinkingSettings),
	}

	return idRow, ctxRow
}

func platformInfoFromClaim(t jwt.Token) datastore.PlatformInfo {
	raw, _ := t.Get(claimToolPlatform)
	m, _ := raw.(map[string]interface{})

	s := func(k string) string {
		v, _ := m[k].(string)
		return v
	}

	return datastore.PlatformInfo{
		Name:              s("name"),
		ContactEmail:      s("contact_email"),
		Description:       s("description"),
		URL:               s("url"),
		ProductFamilyCode: s("product_family_code"),
		Version:           s("version"),
	}
}

func mustString(t jwt.Token, claim string) string {
	v, _ := t.Get(claim)
	s, _ := v.(string)

	return s
}

func stdClaimString(t jwt.Token, claim string) string {
	v, ok := t.Get(claim)
	if !ok {
		return ""
	}
	s, _ := v.(string)

	return s
}

func stringSlice(t jwt.Token, claim string) []string {
	v, ok := t.Get(claim)
	if !ok {
		return nil
	}
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}

	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}

	return out
}

func objectClaim(t jwt.Token, claim string) map[string]interface{} {
	v, ok := t.Get(claim)
	if !ok {
		return nil
	}
	m, _ := v.(map[string]interface{})

	return m
}
